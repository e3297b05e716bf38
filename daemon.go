package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const eventQueueSize = 64

type daemon struct {
	cfg     Config
	log     *zap.SugaredLogger
	link    *Link
	decode  Decoder
	metrics *metrics
	events  chan Event
	bz      *bluez
	now     func() time.Time

	// owned by the event loop, read by request handlers
	mu       sync.Mutex
	sensors  SensorState
	feedback string
	subs     map[chan IPCEvent]struct{}
}

func newDaemon(cfg Config, log *zap.SugaredLogger, dialer Dialer, reg prometheus.Registerer) (*daemon, error) {
	decode, err := FrameFormat(cfg.FrameFormat).Decoder()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &daemon{
		cfg:     cfg,
		log:     log,
		decode:  decode,
		metrics: newMetrics(reg),
		events:  make(chan Event, eventQueueSize),
		now:     time.Now,
		subs:    make(map[chan IPCEvent]struct{}),
	}
	opt := linkOptions{
		SettleDelay:    cfg.SettleDelay,
		PollInterval:   cfg.PollInterval,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	d.link = newLink(dialer, cfg.Endpoint(), opt, d.events, log.Named("link"), d.metrics)
	return d, nil
}

func (d *daemon) snapshot() IPCResponse {
	d.mu.Lock()
	sensors, feedback := d.sensors, d.feedback
	d.mu.Unlock()
	return IPCResponse{
		State:    string(d.link.State()),
		Device:   d.link.Endpoint().Address,
		Sensors:  &sensors,
		Feedback: feedback,
	}
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		return d.snapshot()

	case "connect":
		addr, err := resolveDevice(d.cfg, req.Device)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		resp := d.snapshot()
		if err := d.link.Connect(addr); err != nil {
			if errorKind(err) == ErrAlreadyConnected {
				resp.Feedback = feedbackAlreadyConnected
				return resp
			}
			return IPCResponse{Error: err.Error()}
		}
		resp.State = string(StateConnecting)
		resp.Device = d.link.Endpoint().Address
		resp.Feedback = feedbackConnecting
		return resp

	case "disconnect":
		addr := d.link.Endpoint().Address
		if err := d.link.Disconnect(); err != nil {
			return IPCResponse{Error: err.Error()}
		}
		if d.bz != nil && d.cfg.Transport == transportProfile {
			go func() {
				if err := d.bz.disconnect(addr); err != nil {
					d.log.Debugw("bluez disconnect", "device", addr, "err", err)
				}
			}()
		}
		return d.snapshot()

	case "light":
		cmd, err := roomCommand(req.Room)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		d.link.Send(cmd)
		return d.snapshot()

	case "request":
		d.link.Send(CmdRequestTelemetry)
		return d.snapshot()

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

// subscribe registers a listener for applied events. Slow listeners miss events.
func (d *daemon) subscribe() (<-chan IPCEvent, func()) {
	ch := make(chan IPCEvent, 16)
	d.mu.Lock()
	d.subs[ch] = struct{}{}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.subs, ch)
		d.mu.Unlock()
	}
}

// eventLoop is the only writer of sensor state.
func (d *daemon) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.apply(ev)
		}
	}
}

func (d *daemon) apply(ev Event) IPCEvent {
	now := d.now()
	out := newIPCEvent(ev, now)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev := ev.(type) {
	case CommandReceived:
		for _, u := range d.decode(ev.Data) {
			d.metrics.sensorUpdates.WithLabelValues(u.Sensor.String()).Inc()
			if u.Sensor == SensorTemperature {
				d.metrics.temperature.Set(float64(u.Value))
			}
			if d.sensors.Apply(u, now) {
				d.log.Infow("sensor changed", "sensor", u.Sensor.String(), "value", u.Value)
			}
		}
		sensors := d.sensors
		out.Sensors = &sensors
	case ConnectionStatusChanged:
		d.log.Infow("connection status", "state", ev.State)
	case UserFeedback:
		d.feedback = ev.Text
		d.log.Infow("feedback", "text", ev.Text)
	}
	for ch := range d.subs {
		select {
		case ch <- out:
		default:
		}
	}
	return out
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	if req.Command == "watch" {
		d.watch(conn)
		return
	}
	resp := d.handleRequest(req)
	json.NewEncoder(conn).Encode(resp)
}

// watch streams events to conn until the client goes away.
func (d *daemon) watch(conn net.Conn) {
	events, cancel := d.subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(gone)
	}()

	enc := json.NewEncoder(conn)
	snap := d.snapshot()
	if err := enc.Encode(IPCEvent{Type: "snapshot", Time: d.now(), State: snap.State, Sensors: snap.Sensors}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

func (d *daemon) watchSignals(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		mac := disconnectedDevice(sig)
		if mac == "" || !strings.EqualFold(mac, d.link.Endpoint().Address) {
			continue
		}
		if d.link.State() != StateConnected {
			continue
		}
		d.log.Infow("controller dropped off the bus, closing link", "device", mac)
		if err := d.link.Disconnect(); err != nil {
			d.log.Debugw("disconnect", "err", err)
		}
	}
}

func newDialer(cfg Config, log *zap.SugaredLogger) (Dialer, *bluez, error) {
	switch cfg.Transport {
	case transportProfile:
		bz, err := newBluez()
		if err != nil {
			return nil, nil, err
		}
		return bz, bz, nil
	case transportRFCOMM:
		// BlueZ is only used to notice the device going away.
		bz, err := newBluez()
		if err != nil {
			log.Warnw("bluez unavailable, disconnect watch disabled", "err", err)
			return rfcommDialer{}, nil, nil
		}
		return rfcommDialer{}, bz, nil
	case transportTCP:
		return tcpDialer{}, nil, nil
	}
	return nil, nil, errors.NotValidf("transport %q", cfg.Transport)
}

func runDaemon() error {
	cfg, err := loadConfig(configPath())
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	dialer, bz, err := newDialer(cfg, log)
	if err != nil {
		return err
	}
	if bz != nil {
		defer bz.close()
	}

	reg := prometheus.NewRegistry()
	d, err := newDaemon(cfg, log, dialer, reg)
	if err != nil {
		return err
	}
	d.bz = bz

	sock := cfg.Socket
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return errors.Annotatef(err, "listen %s", sock)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.eventLoop(ctx)

	if bz != nil {
		go d.watchSignals(bz.subscribePropertyChanges())
	}

	if cfg.HTTPListen != "" {
		srv := &http.Server{Addr: cfg.HTTPListen, Handler: d.routes(reg)}
		go func() {
			log.Infow("http listening", "addr", cfg.HTTPListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("http server", "err", err)
			}
		}()
		defer srv.Close()
	}

	if cfg.MQTT.Broker != "" {
		pub := newMQTTPublisher(cfg.MQTT, log.Named("mqtt"))
		go pub.run(ctx, d)
	}

	if cfg.AutoConnect {
		d.link.Connect("")
	}

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down")
		d.link.Disconnect()
		cancel()
		ln.Close()
	}()

	log.Infow("listening", "socket", sock, "device", cfg.Address, "transport", cfg.Transport)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(conn)
	}
}
