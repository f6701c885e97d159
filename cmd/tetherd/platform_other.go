//go:build !linux

package main

import (
	"tetherd/internal/connectivity"
	"tetherd/internal/logging"
	"tetherd/internal/notify"
)

func newConnectivitySource(*logging.Logger) connectivity.Source {
	return nil
}

func newNotifyTransport(string, *logging.Logger) notify.Transport {
	return nil
}
