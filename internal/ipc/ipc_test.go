package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tetherd/internal/cache"
	"tetherd/internal/connectivity"
	"tetherd/internal/notify"
	"tetherd/internal/queue"
	"tetherd/internal/store"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Type:      MsgStatus,
		RequestID: 42,
		Length:    7,
	}

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("header is %d bytes, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if *got != h {
		t.Errorf("round trip changed header: %+v vs %+v", *got, h)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Magic: 0xdeadbeef, Version: ProtocolVersion}
	if err := h.Write(&buf); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := ReadHeader(&buf); err == nil {
		t.Fatal("bad magic accepted")
	}
}

// newTestDaemon starts a server backed by real components and returns a
// connected client.
func newTestDaemon(t *testing.T) (*Client, *Daemon) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "tetherd.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(st, nil, queue.Options{
		Deliver: func(context.Context, json.RawMessage) (bool, error) { return true, nil },
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	acct, err := cache.New(filepath.Join(t.TempDir(), "cache"), cache.Options{QuotaBytes: 1 << 20})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	nm, err := notify.New(st, notify.Options{Prompter: notify.StaticPrompter(true)})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	d := &Daemon{
		Version:   "test",
		StartedAt: time.Now(),
		Monitor:   connectivity.NewMonitor(16, nil),
		Queue:     q,
		Cache:     acct,
		Notify:    nm,
	}

	sockDir, err := os.MkdirTemp("", "tetherd-ipc")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	srv := NewServer(ServerConfig{SocketPath: filepath.Join(sockDir, "t.sock")}, d)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	c, err := Dial(filepath.Join(sockDir, "t.sock"), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, d
}

func TestPingAndStatus(t *testing.T) {
	c, _ := newTestDaemon(t)

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	st, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Version != "test" {
		t.Errorf("Version = %q", st.Version)
	}
	if !st.Online {
		t.Error("fresh monitor should report online")
	}
	if !st.NotifyGranted && st.QueuePending != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestQueueOverIPC(t *testing.T) {
	c, _ := newTestDaemon(t)

	resp, err := c.Enqueue(json.RawMessage(`{"op":"star"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if resp.ID == "" || resp.Pending != 1 {
		t.Errorf("Enqueue = %+v", resp)
	}

	n, err := c.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Errorf("Pending = %d", n)
	}

	fl, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fl.Delivered != 1 || fl.Remaining != 0 {
		t.Errorf("Flush = %+v", fl)
	}

	if _, err := c.Enqueue(nil); err == nil {
		t.Error("empty payload accepted")
	}
}

func TestCacheOverIPC(t *testing.T) {
	c, d := newTestDaemon(t)

	dir := filepath.Join(d.Cache.Root(), "articles")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	u, err := c.CacheUsage()
	if err != nil {
		t.Fatalf("CacheUsage: %v", err)
	}
	if u.TotalBytes != 5 || u.Groups["articles"] != 5 {
		t.Errorf("CacheUsage = %+v", u)
	}

	n, err := c.CacheEvict("articles")
	if err != nil {
		t.Fatalf("CacheEvict: %v", err)
	}
	if n != 1 {
		t.Errorf("CacheEvict removed %d groups", n)
	}

	u, err = c.CacheUsage()
	if err != nil {
		t.Fatalf("CacheUsage: %v", err)
	}
	if u.TotalBytes != 0 {
		t.Errorf("TotalBytes = %d after evict", u.TotalBytes)
	}
}

func TestNotifyOverIPC(t *testing.T) {
	c, _ := newTestDaemon(t)

	granted, err := c.NotifyPermission()
	if err != nil {
		t.Fatalf("NotifyPermission: %v", err)
	}
	if !granted {
		t.Error("static prompter should grant")
	}

	// No transport wired: a test notification is not sent.
	sent, err := c.NotifyTest("t", "b")
	if err != nil {
		t.Fatalf("NotifyTest: %v", err)
	}
	if sent {
		t.Error("NotifyTest sent without a transport")
	}
}

func TestUnavailableComponent(t *testing.T) {
	c, _ := newTestDaemon(t)

	// No proxy manager wired.
	if _, err := c.ProxyStatus(); err == nil {
		t.Error("ProxyStatus succeeded without a proxy manager")
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	c, _ := newTestDaemon(t)

	err := c.roundTrip(MessageType(0x7fff), MsgPong, nil, nil)
	if err == nil {
		t.Fatal("unsupported type accepted")
	}
}
