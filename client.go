package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/juju/errors"
)

func dialDaemon() (net.Conn, error) {
	sock := socketPath()
	if cfg, err := loadConfig(configPath()); err == nil {
		sock = cfg.Socket
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, errors.Annotate(err, "connect to daemon (is `hactl daemon` running?)")
	}
	return conn, nil
}

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := dialDaemon()
	if err != nil {
		return IPCResponse{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, errors.Annotate(err, "send request")
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, errors.Annotate(err, "read response")
	}
	return resp, nil
}

// runRequest performs one IPC call and prints the response as JSON.
func runRequest(req IPCRequest) error {
	resp, err := ipcCall(req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}

func runStatus() error { return runRequest(IPCRequest{Command: "status"}) }

func runConnect(device string) error {
	return runRequest(IPCRequest{Command: "connect", Device: device})
}

func runDisconnect() error { return runRequest(IPCRequest{Command: "disconnect"}) }

func runLight(room string) error {
	if _, err := roomCommand(room); err != nil {
		return err
	}
	return runRequest(IPCRequest{Command: "light", Room: room})
}

func runTelemetryRequest() error { return runRequest(IPCRequest{Command: "request"}) }

// runWatch prints daemon events, one JSON object per line, until the daemon goes away.
func runWatch() error {
	conn, err := dialDaemon()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "watch"}); err != nil {
		return errors.Annotate(err, "send request")
	}
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(os.Stdout)
	for {
		var ev IPCEvent
		if err := dec.Decode(&ev); err != nil {
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}
