package main

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.SettleDelay = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func newTestDaemon(t *testing.T, d Dialer, loop bool) *daemon {
	t.Helper()
	dm, err := newDaemon(testConfig(t), testLogger(t), d, prometheus.NewRegistry())
	require.NoError(t, err)
	if loop {
		ctx, cancel := context.WithCancel(context.Background())
		go dm.eventLoop(ctx)
		t.Cleanup(cancel)
	}
	t.Cleanup(func() { dm.link.Disconnect() })
	return dm
}

func waitState(t *testing.T, d *daemon, state ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return d.link.State() == state }, testWait, time.Millisecond)
}

func TestDaemonConnectTwice(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDaemon(t, dialer, true)

	resp := d.handleRequest(IPCRequest{Command: "connect"})
	require.Empty(t, resp.Error)
	assert.Equal(t, string(StateConnecting), resp.State)
	assert.Equal(t, feedbackConnecting, resp.Feedback)
	waitState(t, d, StateConnected)

	resp = d.handleRequest(IPCRequest{Command: "connect"})
	require.Empty(t, resp.Error)
	assert.Equal(t, feedbackAlreadyConnected, resp.Feedback)
	assert.Equal(t, string(StateConnected), resp.State)
	assert.Equal(t, 1, dialer.dials())
}

func TestDaemonConnectBadDevice(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, true)
	resp := d.handleRequest(IPCRequest{Command: "connect", Device: "kitchen"})
	assert.NotEmpty(t, resp.Error)
}

func TestDaemonDecodesTelemetry(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDaemon(t, dialer, true)

	d.handleRequest(IPCRequest{Command: "connect"})
	waitState(t, d, StateConnected)
	dialer.last().feed([]byte{1, 21, 2, 0, 3, 1})

	require.Eventually(t, func() bool {
		s := d.handleRequest(IPCRequest{Command: "status"}).Sensors
		return s != nil && s.HasTemperature && s.Alarm == AlarmOn
	}, testWait, time.Millisecond)
	s := d.snapshot().Sensors
	assert.Equal(t, 21, s.Temperature)
	assert.Equal(t, WindowClosed, s.Window)
	assert.Equal(t, 21.0, testutil.ToFloat64(d.metrics.temperature))
}

func TestDaemonLightCommands(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDaemon(t, dialer, true)
	d.handleRequest(IPCRequest{Command: "connect"})
	waitState(t, d, StateConnected)

	for _, room := range []string{"kitchen", "2", "living-room"} {
		resp := d.handleRequest(IPCRequest{Command: "light", Room: room})
		require.Empty(t, resp.Error, room)
	}
	d.handleRequest(IPCRequest{Command: "request"})
	s := dialer.last()
	require.Eventually(t, func() bool { return s.written() == "01230" }, testWait, time.Millisecond)

	resp := d.handleRequest(IPCRequest{Command: "light", Room: "attic"})
	assert.NotEmpty(t, resp.Error)
}

func TestDaemonDisconnect(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, true)
	resp := d.handleRequest(IPCRequest{Command: "disconnect"})
	assert.NotEmpty(t, resp.Error)

	d.handleRequest(IPCRequest{Command: "connect"})
	waitState(t, d, StateConnected)
	resp = d.handleRequest(IPCRequest{Command: "disconnect"})
	require.Empty(t, resp.Error)
	assert.Equal(t, string(StateDisconnected), resp.State)
}

func TestDaemonUnknownCommand(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, false)
	resp := d.handleRequest(IPCRequest{Command: "reboot"})
	assert.Contains(t, resp.Error, "unknown command")
}

func TestDaemonApplyKeepsUnmentionedSensors(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, false)
	d.apply(CommandReceived{Data: []byte{1, 18, 3, 0}})
	out := d.apply(CommandReceived{Data: []byte{2, 1}})

	require.NotNil(t, out.Sensors)
	assert.Equal(t, "command_received", out.Type)
	assert.Equal(t, 18, out.Sensors.Temperature)
	assert.Equal(t, WindowOpen, out.Sensors.Window)
	assert.Equal(t, AlarmOff, out.Sensors.Alarm)
}

func TestDaemonWatch(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, false)
	client, server := net.Pipe()
	defer client.Close()
	go d.handleConn(server)

	require.NoError(t, json.NewEncoder(client).Encode(IPCRequest{Command: "watch"}))
	dec := json.NewDecoder(client)

	var ev IPCEvent
	require.NoError(t, dec.Decode(&ev))
	assert.Equal(t, "snapshot", ev.Type)
	assert.Equal(t, string(StateDisconnected), ev.State)

	d.apply(UserFeedback{Text: "hello"})
	require.NoError(t, dec.Decode(&ev))
	assert.Equal(t, "user_feedback", ev.Type)
	assert.Equal(t, "hello", ev.Feedback)

	d.apply(CommandReceived{Data: []byte{1, 5}})
	require.NoError(t, dec.Decode(&ev))
	assert.Equal(t, []int{1, 5}, ev.Data)
	require.NotNil(t, ev.Sensors)
	assert.Equal(t, 5, ev.Sensors.Temperature)
}

func TestDaemonHandleConnStatus(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, false)
	client, server := net.Pipe()
	defer client.Close()
	go d.handleConn(server)

	require.NoError(t, json.NewEncoder(client).Encode(IPCRequest{Command: "status"}))
	var resp IPCResponse
	require.NoError(t, json.NewDecoder(client).Decode(&resp))
	assert.Equal(t, string(StateDisconnected), resp.State)
	assert.Equal(t, defaultAddress, resp.Device)
}

func connectedSignal(addr string, connected bool) *dbus.Signal {
	return &dbus.Signal{
		Name: propsSignal,
		Path: deviceObjectPath(addr),
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)},
			[]string{},
		},
	}
}

func TestDaemonWatchSignalsClosesLink(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDaemon(t, dialer, true)

	require.NoError(t, d.link.Connect("98:d3:32:70:d2:ed"))
	waitState(t, d, StateConnected)

	ignored := make(chan *dbus.Signal, 3)
	ignored <- connectedSignal("00:11:22:33:44:55", false)
	ignored <- connectedSignal("98:d3:32:70:d2:ed", true)
	ignored <- &dbus.Signal{Name: propsSignal, Path: adapterPath, Body: []interface{}{adapterIface}}
	close(ignored)
	d.watchSignals(ignored)
	assert.Equal(t, StateConnected, d.link.State())

	// BlueZ reports the address upper-cased
	dropped := make(chan *dbus.Signal, 1)
	dropped <- connectedSignal("98:D3:32:70:D2:ED", false)
	close(dropped)
	d.watchSignals(dropped)
	assert.Equal(t, StateDisconnected, d.link.State())
	require.Eventually(t, dialer.last().isClosed, testWait, time.Millisecond)
}

func TestDaemonWatchSignalsIgnoresIdleLink(t *testing.T) {
	d := newTestDaemon(t, &fakeDialer{}, false)

	sigs := make(chan *dbus.Signal, 1)
	sigs <- connectedSignal(defaultAddress, false)
	close(sigs)
	d.watchSignals(sigs)

	assert.Equal(t, StateDisconnected, d.link.State())
	assert.Empty(t, d.events)
}

func TestIPCEventDataIsReadable(t *testing.T) {
	ev := newIPCEvent(CommandReceived{Data: []byte{1, 21, 2, 0}}, time.Unix(0, 0))
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":[1,21,2,0]`)
}
