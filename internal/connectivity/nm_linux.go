//go:build linux

package connectivity

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// NetworkManager constants. State values follow the NMState enum; 60 and
// above mean the host has at least site-local connectivity.
const (
	nmDest      = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"

	nmStateConnectedSite uint32 = 60
)

// DBusSource delivers raw connectivity signals from NetworkManager
// StateChanged events on the system bus. This is the primary push-based
// signal path on Linux.
type DBusSource struct {
	conn    *dbus.Conn
	raw     chan *dbus.Signal
	signals chan Signal
}

// NewDBusSource connects to the system bus and subscribes to
// NetworkManager state changes.
func NewDBusSource() (*DBusSource, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to NetworkManager signals: %w", err)
	}

	s := &DBusSource{
		conn:    conn,
		raw:     make(chan *dbus.Signal, 16),
		signals: make(chan Signal, 16),
	}
	conn.Signal(s.raw)

	go s.loop()

	// Seed with the current state so the monitor does not have to wait
	// for the first change.
	if online, err := s.queryState(); err == nil {
		s.signals <- Signal{Online: online}
	}

	return s, nil
}

// Signals implements Source.
func (s *DBusSource) Signals() <-chan Signal { return s.signals }

func (s *DBusSource) loop() {
	defer close(s.signals)
	for sig := range s.raw {
		if sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
			continue
		}
		state, ok := sig.Body[0].(uint32)
		if !ok {
			continue
		}
		s.signals <- Signal{Online: state >= nmStateConnectedSite}
	}
}

// queryState reads NetworkManager's current State property.
func (s *DBusSource) queryState() (bool, error) {
	obj := s.conn.Object(nmDest, nmPath)
	variant, err := obj.GetProperty(nmInterface + ".State")
	if err != nil {
		return false, fmt.Errorf("get NetworkManager state: %w", err)
	}
	state, ok := variant.Value().(uint32)
	if !ok {
		return false, fmt.Errorf("unexpected state type %T", variant.Value())
	}
	return state >= nmStateConnectedSite, nil
}

// Close unsubscribes and closes the bus connection.
func (s *DBusSource) Close() error {
	s.conn.RemoveSignal(s.raw)
	close(s.raw)
	return s.conn.Close()
}
