// Package notify implements the notification channel manager:
// permission state, push subscription lifecycle against a gateway, and
// local desktop notifications.
//
// Permission is never requested implicitly. The grant and the active
// subscription both persist in the durable store so a daemon restart
// does not re-prompt or re-register.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tetherd/internal/logging"
	"tetherd/internal/metrics"
	"tetherd/internal/store"
)

const (
	keyGranted      = "granted"
	keySubscription = "subscription"
)

// ErrNoGateway is returned by Subscribe when no gateway URL is
// configured.
var ErrNoGateway = errors.New("notify: no push gateway configured")

// Prompter asks the user for notification permission. A desktop dialog,
// a config default, or a test stub.
type Prompter interface {
	Prompt(ctx context.Context) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context) (bool, error) { return f(ctx) }

// StaticPrompter always answers the same way. Used for the auto_grant
// config setting and in tests.
type StaticPrompter bool

func (p StaticPrompter) Prompt(context.Context) (bool, error) { return bool(p), nil }

// Transport delivers a local desktop notification.
type Transport interface {
	Notify(summary, body string) error
}

// Subscription is the opaque handle for one push registration.
type Subscription struct {
	Endpoint  string    `json:"endpoint"`
	ServerKey string    `json:"server_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Manager.
type Options struct {
	// GatewayURL is the push gateway base URL. Empty disables Subscribe.
	GatewayURL string

	// AppName appears in desktop notifications and gateway
	// registrations.
	AppName string

	Prompter  Prompter
	Transport Transport

	// Client may be nil.
	Client *http.Client

	// Logger may be nil.
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *metrics.TetherdMetrics
}

// Manager owns notification permission and the push subscription. It is
// the sole writer to the notify namespace of the durable store.
type Manager struct {
	mu      sync.Mutex
	granted bool
	sub     *Subscription

	st        *store.Store
	gateway   string
	appName   string
	prompter  Prompter
	transport Transport
	client    *http.Client
	log       *logging.Logger
	mets      *metrics.TetherdMetrics
}

// New creates the manager and restores persisted permission and
// subscription state.
func New(st *store.Store, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	appName := opts.AppName
	if appName == "" {
		appName = "tetherd"
	}

	m := &Manager{
		st:        st,
		gateway:   opts.GatewayURL,
		appName:   appName,
		prompter:  opts.Prompter,
		transport: opts.Transport,
		client:    client,
		log:       log.WithComponent("notify"),
		mets:      opts.Metrics,
	}

	if v, err := st.Get(store.NamespaceNotify, keyGranted); err != nil {
		return nil, fmt.Errorf("load permission state: %w", err)
	} else if string(v) == "1" {
		m.granted = true
	}

	if v, err := st.Get(store.NamespaceNotify, keySubscription); err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	} else if v != nil {
		var sub Subscription
		if err := json.Unmarshal(v, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		m.sub = &sub
	}

	return m, nil
}

// Granted reports whether notification permission is currently granted.
func (m *Manager) Granted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}

// RequestPermission asks the prompter for permission unless it is
// already granted, in which case it returns true without prompting. A
// denial is not persisted: the user may be asked again later.
func (m *Manager) RequestPermission(ctx context.Context) bool {
	m.mu.Lock()
	if m.granted {
		m.mu.Unlock()
		return true
	}
	prompter := m.prompter
	m.mu.Unlock()

	if prompter == nil {
		return false
	}
	ok, err := prompter.Prompt(ctx)
	if err != nil {
		m.log.Warn("permission prompt failed", "error", err)
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	m.granted = true
	if err := m.st.Put(store.NamespaceNotify, keyGranted, []byte("1")); err != nil {
		m.log.Error("persist permission grant", "error", err)
	}
	m.mu.Unlock()
	return true
}

// Subscribe registers a push subscription with the gateway and returns
// its handle. Without permission, or with an empty server key, it
// returns nil with no error. With a live subscription it returns that
// subscription unchanged, whatever key is passed.
func (m *Manager) Subscribe(ctx context.Context, serverKey string) (*Subscription, error) {
	m.mu.Lock()
	if !m.granted || serverKey == "" {
		m.mu.Unlock()
		return nil, nil
	}
	if m.sub != nil {
		sub := *m.sub
		m.mu.Unlock()
		return &sub, nil
	}
	m.mu.Unlock()

	if m.gateway == "" {
		return nil, ErrNoGateway
	}

	endpoint, err := m.register(ctx, serverKey)
	if err != nil {
		return nil, fmt.Errorf("register subscription: %w", err)
	}

	sub := &Subscription{
		Endpoint:  endpoint,
		ServerKey: serverKey,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		// Lost the race to another Subscribe; keep the winner.
		return m.sub, nil
	}
	m.sub = sub
	data, _ := json.Marshal(sub)
	if err := m.st.Put(store.NamespaceNotify, keySubscription, data); err != nil {
		m.log.Error("persist subscription", "error", err)
	}
	m.log.Info("push subscription registered", "endpoint", sub.Endpoint)
	return sub, nil
}

// Current returns the active subscription, or nil.
func (m *Manager) Current() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil
	}
	sub := *m.sub
	return &sub
}

// Unsubscribe tears down the active subscription. The gateway delete is
// best effort: the local handle is removed even when the gateway call
// fails, since the handle is client-owned. No-op without a live
// subscription.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub == nil {
		return nil
	}

	if err := m.st.Delete(store.NamespaceNotify, keySubscription); err != nil {
		m.log.Error("remove persisted subscription", "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sub.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn("gateway unsubscribe failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	m.log.Info("push subscription removed")
	return nil
}

// SendTest fires a local desktop notification and reports whether it
// was sent. Without permission, or without a transport, it no-ops and
// returns false. It never requests permission itself.
func (m *Manager) SendTest(title, body string) bool {
	m.mu.Lock()
	granted := m.granted
	transport := m.transport
	m.mu.Unlock()

	if !granted || transport == nil {
		return false
	}
	if err := transport.Notify(title, body); err != nil {
		m.log.Warn("send notification", "error", err)
		return false
	}
	if m.mets != nil {
		m.mets.NotificationsSent.Inc()
	}
	return true
}

// register performs the gateway registration call and returns the new
// endpoint.
func (m *Manager) register(ctx context.Context, serverKey string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"server_key": serverKey,
		"app":        m.appName,
	})
	if err != nil {
		return "", err
	}

	url := m.gateway + "/v1/subscriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	var out struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.Endpoint == "" {
		return "", errors.New("gateway returned empty endpoint")
	}
	return out.Endpoint, nil
}
