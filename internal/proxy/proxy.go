// Package proxy manages the lifecycle of the background content worker:
// a local HTTP listener that serves responses out of the cache root so
// the application keeps working while the network does not.
//
// The manager owns the worker state machine. Exactly one manager runs
// per daemon session, and only the manager mutates the state.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"tetherd/internal/bus"
	"tetherd/internal/logging"
	"tetherd/internal/metrics"
	"tetherd/internal/store"
)

// State is the worker lifecycle state.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateInstalled
	StateWaitingToActivate
	StateControlling
	StateUpdateAvailable
	StateUpdating
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateInstalled:
		return "installed"
	case StateWaitingToActivate:
		return "waiting-to-activate"
	case StateControlling:
		return "controlling"
	case StateUpdateAvailable:
		return "update-available"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRegistered is returned by Register once the worker has
	// left the unregistered state for good.
	ErrAlreadyRegistered = errors.New("proxy: worker already registered")

	// ErrNoManifest is returned when the version manifest is missing or
	// unreadable.
	ErrNoManifest = errors.New("proxy: version manifest unavailable")
)

const workerKey = "worker"

// manifest is the on-disk worker version manifest.
type manifest struct {
	Version string `json:"version"`
}

// LifecycleEvent is published on the bus when the worker gains control.
// The application is expected to reload state from the worker when it
// sees one.
type LifecycleEvent struct {
	State   string `json:"state"`
	Version string `json:"version"`
}

// Status is a point-in-time view of the worker.
type Status struct {
	State           string `json:"state"`
	Version         string `json:"version"`
	ManifestVersion string `json:"manifest_version,omitempty"`
	Addr            string `json:"addr,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// ListenAddr is the worker's listen address.
	ListenAddr string

	// ManifestPath points at the worker version manifest. Empty
	// disables update detection.
	ManifestPath string

	// CacheRoot is the directory the worker serves content from.
	CacheRoot string

	// Logger may be nil.
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *metrics.TetherdMetrics
}

// Manager drives the worker state machine.
type Manager struct {
	mu              sync.Mutex
	state           State
	version         string
	manifestVersion string

	regDone chan struct{}
	regErr  error

	srv *http.Server
	ln  net.Listener

	listenAddr   string
	manifestPath string
	cacheRoot    string

	st      *store.Store
	events  *bus.Bus
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *logging.Logger
	mets    *metrics.TetherdMetrics
}

// NewManager creates the manager in the unregistered state. When a
// manifest path is configured the manifest's directory is watched so
// version bumps surface without polling.
func NewManager(st *store.Store, events *bus.Bus, opts Options) (*Manager, error) {
	if opts.ListenAddr == "" {
		return nil, errors.New("proxy: empty listen address")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	m := &Manager{
		listenAddr:   opts.ListenAddr,
		manifestPath: opts.ManifestPath,
		cacheRoot:    opts.CacheRoot,
		st:           st,
		events:       events,
		done:         make(chan struct{}),
		log:          log.WithComponent("proxy"),
		mets:         opts.Metrics,
	}

	if st != nil {
		if v, err := st.Get(store.NamespaceProxy, workerKey); err != nil {
			return nil, fmt.Errorf("load worker record: %w", err)
		} else if v != nil {
			var rec struct {
				Version string `json:"version"`
			}
			if err := json.Unmarshal(v, &rec); err == nil {
				m.version = rec.Version
			}
		}
	}

	if opts.ManifestPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create manifest watcher: %w", err)
		}
		// Watch the directory, not the file: editors and atomic writers
		// replace the file and break a direct watch.
		if err := w.Add(filepath.Dir(opts.ManifestPath)); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch manifest dir: %w", err)
		}
		m.watcher = w
		go m.watchLoop()
	}

	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current worker view.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:           m.state.String(),
		Version:         m.version,
		ManifestVersion: m.manifestVersion,
	}
	if m.ln != nil {
		s.Addr = m.ln.Addr().String()
	}
	return s
}

// Register installs the worker and attempts to take control. At most
// one attempt runs at a time: a concurrent call while an attempt is in
// flight blocks on that attempt and returns its result instead of
// starting a second one. A failed attempt returns the worker to
// unregistered; there is no automatic retry.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRegistering {
		done := m.regDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := m.regErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.state != StateUnregistered {
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	m.state = StateRegistering
	m.regDone = make(chan struct{})
	m.mu.Unlock()

	next, err := m.install(ctx)

	m.mu.Lock()
	m.regErr = err
	close(m.regDone)
	if err != nil {
		m.state = StateUnregistered
		if m.mets != nil {
			m.mets.ProxyRegisterErrs.Inc()
		}
	} else {
		m.state = next
		if m.mets != nil {
			m.mets.ProxyRegistersOK.Inc()
		}
	}
	m.setStateGauge()
	m.mu.Unlock()

	if err == nil && next == StateControlling {
		m.announceControl()
	}
	return err
}

// install reads the manifest, binds the listener, and starts serving.
// It returns the state the worker lands in. An address already in use
// means another worker controls it, which is waiting, not failure.
func (m *Manager) install(ctx context.Context) (State, error) {
	version, err := m.readManifest()
	if err != nil {
		return StateUnregistered, err
	}

	if err := ctx.Err(); err != nil {
		return StateUnregistered, err
	}

	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			m.mu.Lock()
			m.version = version
			m.mu.Unlock()
			m.log.Info("worker installed, address held elsewhere", "addr", m.listenAddr)
			return StateWaitingToActivate, nil
		}
		return StateUnregistered, fmt.Errorf("bind worker listener: %w", err)
	}

	srv := &http.Server{Handler: m.handler(version)}
	go srv.Serve(ln)

	m.mu.Lock()
	m.srv = srv
	m.ln = ln
	m.version = version
	m.mu.Unlock()

	m.persistWorker(version)
	m.log.Info("worker controlling", "addr", ln.Addr().String(), "version", version)
	return StateControlling, nil
}

// CheckUpdate compares the manifest version against the active one and
// raises update-available when they differ while the worker is waiting
// or controlling. It reports whether the state changed.
func (m *Manager) CheckUpdate() bool {
	version, err := m.readManifest()
	if err != nil {
		m.log.Debug("manifest check failed", "error", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifestVersion = version
	if m.state != StateWaitingToActivate && m.state != StateControlling {
		return false
	}
	if version == m.version {
		return false
	}
	m.state = StateUpdateAvailable
	m.setStateGauge()
	m.log.Info("worker update available", "current", m.version, "manifest", version)
	return true
}

// ApplyUpdate swaps the worker to the manifest version. Outside the
// update-available state it is a no-op returning false.
func (m *Manager) ApplyUpdate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.state != StateUpdateAvailable {
		m.mu.Unlock()
		return false, nil
	}
	m.state = StateUpdating
	m.setStateGauge()
	srv := m.srv
	m.srv = nil
	m.ln = nil
	m.mu.Unlock()

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			srv.Close()
		}
	}

	next, err := m.install(ctx)

	m.mu.Lock()
	if err != nil {
		// The old worker is gone and the new one failed to come up.
		m.state = StateUnregistered
	} else {
		m.state = next
	}
	m.setStateGauge()
	m.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("apply update: %w", err)
	}
	if next != StateControlling {
		return false, nil
	}
	m.announceControl()
	return true, nil
}

// Close stops the watcher and shuts the worker down.
func (m *Manager) Close() error {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}

	m.mu.Lock()
	srv := m.srv
	m.srv = nil
	m.ln = nil
	m.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// watchLoop debounces manifest directory events into update checks.
func (m *Manager) watchLoop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.manifestPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				m.CheckUpdate()
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("manifest watcher error", "error", err)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) readManifest() (string, error) {
	if m.manifestPath == "" {
		return "dev", nil
	}
	data, err := os.ReadFile(m.manifestPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoManifest, err)
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoManifest, err)
	}
	if mf.Version == "" {
		return "", fmt.Errorf("%w: empty version", ErrNoManifest)
	}
	return mf.Version, nil
}

func (m *Manager) persistWorker(version string) {
	if m.st == nil {
		return
	}
	rec := map[string]any{
		"version":    version,
		"addr":       m.listenAddr,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(rec)
	if err := m.st.Put(store.NamespaceProxy, workerKey, data); err != nil {
		m.log.Error("persist worker record", "error", err)
	}
}

func (m *Manager) announceControl() {
	if m.events == nil {
		return
	}
	m.mu.Lock()
	version := m.version
	m.mu.Unlock()
	m.events.Publish(bus.TopicProxy, LifecycleEvent{
		State:   StateControlling.String(),
		Version: version,
	})
}

// handler serves cached content plus a small health surface.
func (m *Manager) handler(version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if m.cacheRoot != "" {
		fs := http.FileServer(http.Dir(m.cacheRoot))
		mux.Handle("/cache/", http.StripPrefix("/cache/", fs))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Tetherd-Worker", version)
		mux.ServeHTTP(w, r)
	})
}

func (m *Manager) setStateGauge() {
	if m.mets != nil {
		m.mets.ProxyState.Set(int64(m.state))
	}
}
