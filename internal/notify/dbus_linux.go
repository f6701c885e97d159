//go:build linux

package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	fdnDest      = "org.freedesktop.Notifications"
	fdnPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	fdnInterface = "org.freedesktop.Notifications"
)

// DBusTransport delivers desktop notifications through
// org.freedesktop.Notifications on the session bus.
type DBusTransport struct {
	conn    *dbus.Conn
	appName string
}

// NewDBusTransport connects to the session bus.
func NewDBusTransport(appName string) (*DBusTransport, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBusTransport{conn: conn, appName: appName}, nil
}

// Notify implements Transport.
func (t *DBusTransport) Notify(summary, body string) error {
	obj := t.conn.Object(fdnDest, fdnPath)
	call := obj.Call(fdnInterface+".Notify", 0,
		t.appName,          // app_name
		uint32(0),          // replaces_id
		"",                 // app_icon
		summary,            // summary
		body,               // body
		[]string{},         // actions
		map[string]dbus.Variant{}, // hints
		int32(-1),          // expire_timeout, server default
	)
	if call.Err != nil {
		return fmt.Errorf("notify call: %w", call.Err)
	}
	return nil
}

// Close closes the bus connection.
func (t *DBusTransport) Close() error {
	return t.conn.Close()
}
