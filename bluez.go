package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	busName             = "org.bluez"
	adapterPath         = "/org/bluez/hci0"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileManagerPath  = "/org/bluez"
	profileManagerIface = "org.bluez.ProfileManager1"
	profileIface        = "org.bluez.Profile1"
	propsIface          = "org.freedesktop.DBus.Properties"
	propsSignal         = "org.freedesktop.DBus.Properties.PropertiesChanged"

	profilePath dbus.ObjectPath = "/org/hactl/serial"
)

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn *dbus.Conn

	profileOnce sync.Once
	profileErr  error
	profile     *serialProfile
}

func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, withKind(err, ErrDeviceUnsupported, "connect to system bus")
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "list bus names")
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, errors.Annotate(ErrDeviceUnsupported, "org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &bluez{conn: conn}, nil
}

func (b *bluez) close() {
	b.conn.Close()
}

// --- property helpers ---

func (b *bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, errors.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

// --- adapter ---

// ensureAdapter fails with ErrDeviceUnsupported when hci0 is missing and powers it on when it is off.
func (b *bluez) ensureAdapter() error {
	powered, err := b.getBool(adapterPath, adapterIface, "Powered")
	if err != nil {
		return withKind(err, ErrDeviceUnsupported, "adapter %s", adapterPath)
	}
	if powered {
		return nil
	}
	if err := b.setProp(adapterPath, adapterIface, "Powered", true); err != nil {
		return errors.Annotate(err, "power on adapter")
	}
	return nil
}

// --- device ---

func (b *bluez) disconnect(addr string) error {
	obj := b.conn.Object(busName, deviceObjectPath(addr))
	return obj.Call(deviceIface+".Disconnect", 0).Err
}

// --- serial port profile ---

// serialProfile is exported on the bus as org.bluez.Profile1.
// BlueZ hands the connected RFCOMM socket to NewConnection.
type serialProfile struct {
	fds chan dbus.UnixFD
}

func (p *serialProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	select {
	case p.fds <- fd:
	default:
		unix.Close(int(fd))
	}
	return nil
}

func (p *serialProfile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error { return nil }

func (p *serialProfile) Release() *dbus.Error { return nil }

func (b *bluez) registerProfile(channel string) error {
	b.profileOnce.Do(func() {
		p := &serialProfile{fds: make(chan dbus.UnixFD, 1)}
		if err := b.conn.Export(p, profilePath, profileIface); err != nil {
			b.profileErr = errors.Annotate(err, "export profile")
			return
		}
		opts := map[string]dbus.Variant{
			"Name":        dbus.MakeVariant("hactl serial"),
			"Role":        dbus.MakeVariant("client"),
			"AutoConnect": dbus.MakeVariant(false),
		}
		obj := b.conn.Object(busName, profileManagerPath)
		if err := obj.Call(profileManagerIface+".RegisterProfile", 0, profilePath, channel, opts).Err; err != nil {
			b.profileErr = errors.Annotate(err, "register profile")
			return
		}
		b.profile = p
	})
	return b.profileErr
}

// Dial implements Dialer through BlueZ: the channel UUID selects the remote service.
func (b *bluez) Dial(ctx context.Context, ep Endpoint) (Stream, error) {
	if err := b.ensureAdapter(); err != nil {
		return nil, err
	}
	channel := strings.ToLower(ep.Channel.String())
	if err := b.registerProfile(channel); err != nil {
		return nil, withKind(err, ErrSocketCreation, "profile %s", channel)
	}

	// leftover from an attempt that timed out
	select {
	case fd := <-b.profile.fds:
		unix.Close(int(fd))
	default:
	}

	obj := b.conn.Object(busName, deviceObjectPath(ep.Address))
	if err := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, channel).Err; err != nil {
		return nil, withKind(err, ErrConnectRefused, "connect profile %s on %s", channel, ep.Address)
	}

	select {
	case fd := <-b.profile.fds:
		f := os.NewFile(uintptr(fd), "rfcomm:"+ep.Address)
		s, err := newFdStream(f)
		if err != nil {
			f.Close()
			return nil, withKind(err, ErrSocketCreation, "rfcomm %s", ep.Address)
		}
		return s, nil
	case <-ctx.Done():
		return nil, withKind(ctx.Err(), ErrConnectRefused, "wait for rfcomm socket from %s", ep.Address)
	}
}

// --- signal subscription ---

func (b *bluez) subscribePropertyChanges() chan *dbus.Signal {
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	ch := make(chan *dbus.Signal, 16)
	b.conn.Signal(ch)
	return ch
}

// disconnectedDevice returns the MAC of a device whose Connected property flipped to false.
func disconnectedDevice(sig *dbus.Signal) string {
	if sig.Name != propsSignal {
		return ""
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return ""
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return ""
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return ""
	}
	connVar, ok := changed["Connected"]
	if !ok {
		return ""
	}
	connected, ok := connVar.Value().(bool)
	if !ok || connected {
		return ""
	}
	return macFromPath(sig.Path)
}
