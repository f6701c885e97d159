//go:build linux

package main

import (
	"tetherd/internal/connectivity"
	"tetherd/internal/logging"
	"tetherd/internal/notify"
)

// newConnectivitySource connects to NetworkManager. Nil means the
// caller should fall back to probing.
func newConnectivitySource(log *logging.Logger) connectivity.Source {
	src, err := connectivity.NewDBusSource()
	if err != nil {
		log.Warn("NetworkManager unavailable", "error", err)
		return nil
	}
	return src
}

// newNotifyTransport connects to the desktop notification service. Nil
// disables local notifications.
func newNotifyTransport(appName string, log *logging.Logger) notify.Transport {
	tr, err := notify.NewDBusTransport(appName)
	if err != nil {
		log.Warn("desktop notifications unavailable", "error", err)
		return nil
	}
	return tr
}
