package main

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceObjectPath(t *testing.T) {
	t.Parallel()

	p := deviceObjectPath("98:d3:32:70:d2:ed")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_98_D3_32_70_D2_ED"), p)
	assert.Equal(t, "98:D3:32:70:D2:ED", macFromPath(p))
	assert.Equal(t, "", macFromPath("/org/bluez/hci1/dev_98_D3_32_70_D2_ED"))
}

func TestParseBDAddr(t *testing.T) {
	t.Parallel()

	b, err := parseBDAddr("98:D3:32:70:D2:ED")
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{0xED, 0xD2, 0x70, 0x32, 0xD3, 0x98}, b)

	for _, bad := range []string{"", "98:D3:32:70:D2", "98:D3:32:70:D2:XX", "98:D3:32:70:D2:EDD"} {
		_, err := parseBDAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestDisconnectedDevice(t *testing.T) {
	t.Parallel()

	path := deviceObjectPath(defaultAddress)
	sig := func(iface string, connected interface{}) *dbus.Signal {
		return &dbus.Signal{
			Name: propsSignal,
			Path: path,
			Body: []interface{}{
				iface,
				map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)},
				[]string{},
			},
		}
	}

	assert.Equal(t, defaultAddress, disconnectedDevice(sig(deviceIface, false)))
	assert.Equal(t, "", disconnectedDevice(sig(deviceIface, true)))
	assert.Equal(t, "", disconnectedDevice(sig(adapterIface, false)))
	assert.Equal(t, "", disconnectedDevice(sig(deviceIface, "no")))
	assert.Equal(t, "", disconnectedDevice(&dbus.Signal{Name: "org.bluez.Other", Path: path}))
}

func TestSerialProfileNewConnectionQueuesOne(t *testing.T) {
	t.Parallel()

	p := &serialProfile{fds: make(chan dbus.UnixFD, 1)}
	assert.Nil(t, p.NewConnection(deviceObjectPath(defaultAddress), dbus.UnixFD(-1), nil))
	assert.Equal(t, dbus.UnixFD(-1), <-p.fds)
	assert.Nil(t, p.RequestDisconnection(deviceObjectPath(defaultAddress)))
	assert.Nil(t, p.Release())
}
