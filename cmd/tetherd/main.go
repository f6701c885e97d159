// tetherd - client resilience daemon
//
//	tetherd run       Run the daemon
//	tetherd status    Show daemon status over IPC
//	tetherd flush     Trigger an offline queue flush
//	tetherd config    Print the effective configuration path
//	tetherd version   Print the version
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tetherd/internal/bus"
	"tetherd/internal/cache"
	"tetherd/internal/config"
	"tetherd/internal/connectivity"
	"tetherd/internal/ipc"
	"tetherd/internal/logging"
	"tetherd/internal/metrics"
	"tetherd/internal/notify"
	"tetherd/internal/proxy"
	"tetherd/internal/queue"
	"tetherd/internal/store"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "flush":
		cmdFlush()
	case "config":
		cmdConfig()
	case "version":
		fmt.Println("tetherd", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`tetherd - client resilience daemon

USAGE:
    tetherd <command> [options]

COMMANDS:
    run        Run the daemon in the foreground
    status     Show daemon status (requires a running daemon)
    flush      Trigger an offline queue flush
    config     Print the effective configuration path
    version    Print the version
    help       Show this help message

The daemon watches connectivity, keeps user actions in a durable
offline queue, manages the local content worker, accounts for the
cache, and handles notification channels. Client tools talk to it over
a unix socket; see tetherctl for the full control surface.`)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "configuration file")
	logLevel := fs.String("log-level", "", "override logging.level")
	fs.Parse(os.Args[2:])

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fatal("load configuration: %v", err)
	}
	cfg.ApplyEnvOverrides()
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fatal("initialize logging: %v", err)
	}
	logging.SetDefault(logger)
	log := logger.WithComponent("daemon")
	if created {
		log.Info("wrote default configuration", "path", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry("tetherd")
	metrics.SetDefault(registry)
	mets := metrics.NewTetherdMetrics(registry)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		fatal("create data directory: %v", err)
	}
	st, err := store.Open(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		fatal("open durable store: %v", err)
	}
	defer st.Close()

	events := bus.New(32)
	defer events.Close()

	monitor := connectivity.NewMonitor(cfg.Connectivity.HistorySize, events)
	events.SubscribeFunc(bus.TopicConnectivity, func(ev bus.Event) {
		if tr, ok := ev.Data.(connectivity.Transition); ok {
			mets.RecordTransition(tr.Online)
			log.Info("connectivity transition", "online", tr.Online)
		}
	})

	q, err := queue.New(st, events, queue.Options{
		Deliver:        httpDeliverer(cfg.Queue.SyncURL, mets),
		DeliverTimeout: time.Duration(cfg.Queue.DeliverTimeoutSec) * time.Second,
		Logger:         logger,
		Metrics:        registry,
	})
	if err != nil {
		fatal("initialize queue: %v", err)
	}

	acct, err := cache.New(cfg.Cache.Root, cache.Options{
		QuotaBytes:   cfg.Cache.QuotaBytes,
		FetchTimeout: time.Duration(cfg.Cache.PreloadTimeoutSec) * time.Second,
		Logger:       logger,
		Metrics:      mets,
	})
	if err != nil {
		fatal("initialize cache: %v", err)
	}

	nmgr, err := notify.New(st, notify.Options{
		GatewayURL: cfg.Notify.GatewayURL,
		AppName:    cfg.Notify.AppName,
		Prompter:   notify.StaticPrompter(cfg.Notify.AutoGrant),
		Transport:  newNotifyTransport(cfg.Notify.AppName, log),
		Logger:     logger,
		Metrics:    mets,
	})
	if err != nil {
		fatal("initialize notifications: %v", err)
	}

	pmgr, err := proxy.NewManager(st, events, proxy.Options{
		ListenAddr:   cfg.Proxy.ListenAddr,
		ManifestPath: cfg.Proxy.ManifestPath,
		CacheRoot:    cfg.Cache.Root,
		Logger:       logger,
		Metrics:      mets,
	})
	if err != nil {
		fatal("initialize proxy manager: %v", err)
	}
	defer pmgr.Close()

	go func() {
		if err := pmgr.Register(ctx); err != nil {
			log.Warn("worker registration failed", "error", err)
		}
	}()

	// Connectivity source: NetworkManager when available, the HTTP
	// prober otherwise.
	src := newConnectivitySource(log)
	if src == nil && cfg.Connectivity.ProbeEnabled {
		prober := connectivity.NewProber(cfg.Connectivity.ProbeURL,
			time.Duration(cfg.Connectivity.ProbeIntervalSec)*time.Second)
		go prober.Run(ctx)
		src = prober
	}
	if src != nil {
		go monitor.Run(ctx, src)
	} else {
		log.Warn("no connectivity source available, assuming online")
	}

	srv := ipc.NewServer(ipc.ServerConfig{
		SocketPath:  cfg.IPC.SocketPath,
		ReadTimeout: time.Duration(cfg.IPC.TimeoutSec) * time.Second,
		Logger:      logger,
	}, &ipc.Daemon{
		Version:   version,
		StartedAt: time.Now(),
		Monitor:   monitor,
		Queue:     q,
		Cache:     acct,
		Notify:    nmgr,
		Proxy:     pmgr,
	})
	if err := srv.Start(); err != nil {
		fatal("start ipc server: %v", err)
	}
	defer srv.Stop()

	if cfg.Metrics.Enabled {
		msrv := &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: registry.HTTPHandler(),
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer msrv.Close()

		go func() {
			t := time.NewTicker(30 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					mets.UpdateUptime()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	loader := config.NewLoader(*configPath)
	loader.OnChange(func(next *config.Config) {
		// Most settings need a restart; log so the change is visible.
		log.Info("configuration file changed",
			"log_level", next.Logging.Level,
			"sync_url", next.Queue.SyncURL)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}
	defer loader.Close()

	log.Info("tetherd started", "version", version, "socket", cfg.IPC.SocketPath)
	<-ctx.Done()
	log.Info("shutting down")
}

// httpDeliverer posts queued payloads to the sync endpoint. A 2xx
// response confirms delivery; anything else leaves the item pending.
func httpDeliverer(syncURL string, mets *metrics.TetherdMetrics) queue.DeliverFunc {
	if syncURL == "" {
		return nil
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, payload json.RawMessage) (bool, error) {
		start := time.Now()
		defer func() {
			if mets != nil {
				mets.DeliveryDuration.ObserveDuration(time.Since(start))
			}
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, syncURL, bytes.NewReader(payload))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("sync endpoint status %d", resp.StatusCode)
		}
		return true, nil
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := &logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Component:  "tetherd",
	}
	if lc.Output == "" {
		lc.Output = "stderr"
	}
	if lc.FilePath == "" {
		lc.FilePath = logging.DefaultConfig().FilePath
	}
	return logging.New(lc)
}

func dialDaemon() *ipc.Client {
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	c, err := ipc.Dial(cfg.IPC.SocketPath, 10*time.Second)
	if err != nil {
		fatal("connect to daemon: %v (is tetherd running?)", err)
	}
	return c
}

func cmdStatus() {
	c := dialDaemon()
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		fatal("status: %v", err)
	}

	fmt.Printf("tetherd %s (up %s)\n", st.Version, time.Since(st.StartedAt).Round(time.Second))
	fmt.Printf("  connectivity: online=%v quality=%s\n", st.Online, st.Quality)
	fmt.Printf("  queue:        %d pending\n", st.QueuePending)
	if st.ProxyState != "" {
		fmt.Printf("  worker:       %s (version %s)\n", st.ProxyState, st.ProxyVersion)
	}
	fmt.Printf("  notify:       granted=%v\n", st.NotifyGranted)
	fmt.Printf("  cache:        %d / %d bytes\n", st.CacheBytes, st.CacheQuota)
}

func cmdFlush() {
	c := dialDaemon()
	defer c.Close()

	res, err := c.Flush()
	if err != nil {
		fatal("flush: %v", err)
	}
	if res.Coalesced {
		fmt.Println("flush already in progress")
		return
	}
	fmt.Printf("attempted %d, delivered %d, %d remaining\n", res.Attempted, res.Delivered, res.Remaining)
}

func cmdConfig() {
	fmt.Println(config.ConfigPath())
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tetherd: "+format+"\n", args...)
	os.Exit(1)
}
