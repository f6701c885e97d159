package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	a, err := New(filepath.Join(t.TempDir(), "cache"), Options{QuotaBytes: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func seed(t *testing.T, a *Accountant, group, name string, size int) {
	t.Helper()
	dir := filepath.Join(a.Root(), group)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir group: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o600); err != nil {
		t.Fatalf("write entry: %v", err)
	}
}

func TestUsageGroupsAndTotal(t *testing.T) {
	a := newTestAccountant(t)
	seed(t, a, "articles", "a1", 100)
	seed(t, a, "articles", "a2", 50)
	seed(t, a, "media", "m1", 200)

	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.TotalBytes != 350 {
		t.Errorf("TotalBytes = %d, want 350", u.TotalBytes)
	}
	if u.Groups["articles"] != 150 || u.Groups["media"] != 200 {
		t.Errorf("Groups = %v", u.Groups)
	}
	if u.QuotaBytes != 1<<20 {
		t.Errorf("QuotaBytes = %d, want configured override", u.QuotaBytes)
	}
}

func TestUsagePlatformQuota(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "cache"), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.QuotaBytes <= 0 {
		t.Errorf("QuotaBytes = %d, want a positive platform-derived quota", u.QuotaBytes)
	}
}

func TestEvictGroup(t *testing.T) {
	a := newTestAccountant(t)
	seed(t, a, "articles", "a1", 10)
	seed(t, a, "articles", "a2", 10)
	seed(t, a, "media", "m1", 10)

	n, err := a.Evict("articles")
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n != 1 {
		t.Errorf("Evict removed %d groups, want 1", n)
	}

	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if _, ok := u.Groups["articles"]; ok {
		t.Error("articles group still present after eviction")
	}
	if u.Groups["media"] != 10 {
		t.Errorf("media group disturbed: %v", u.Groups)
	}
}

func TestEvictAbsentGroup(t *testing.T) {
	a := newTestAccountant(t)
	n, err := a.Evict("nothing-here")
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n != 0 {
		t.Errorf("Evict removed %d groups, want 0", n)
	}
}

func TestEvictRejectsBadGroup(t *testing.T) {
	a := newTestAccountant(t)
	for _, group := range []string{"", "..", "a/b", "../escape", ".hidden"} {
		if _, err := a.Evict(group); err == nil {
			t.Errorf("Evict(%q) accepted a bad group name", group)
		}
	}
}

func TestEvictAllZeroesUsage(t *testing.T) {
	a := newTestAccountant(t)
	seed(t, a, "articles", "a1", 100)
	seed(t, a, "media", "m1", 200)
	seed(t, a, "fonts", "f1", 300)

	n, err := a.EvictAll()
	if err != nil {
		t.Fatalf("EvictAll: %v", err)
	}
	if n != 3 {
		t.Errorf("EvictAll removed %d groups, want 3", n)
	}

	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.TotalBytes != 0 {
		t.Errorf("TotalBytes = %d after EvictAll, want 0", u.TotalBytes)
	}
}

func TestPreloadPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok1", "/ok2":
			fmt.Fprint(w, "cached content")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newTestAccountant(t)
	urls := []string{srv.URL + "/ok1", srv.URL + "/missing", srv.URL + "/ok2"}

	res, err := a.Preload(context.Background(), "articles", urls)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if res.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", res.Succeeded)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}

	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Groups["articles"] != int64(2*len("cached content")) {
		t.Errorf("articles usage = %d", u.Groups["articles"])
	}
}

func TestPreloadIdempotentNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "v")
	}))
	defer srv.Close()

	a := newTestAccountant(t)
	url := srv.URL + "/res"
	for i := 0; i < 3; i++ {
		if _, err := a.Preload(context.Background(), "g", []string{url}); err != nil {
			t.Fatalf("Preload: %v", err)
		}
	}

	u, err := a.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Groups["g"] != 1 {
		t.Errorf("repeated preload of one URL grew the group: %d bytes", u.Groups["g"])
	}
}

func TestPreloadCancelledContext(t *testing.T) {
	a := newTestAccountant(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := a.Preload(ctx, "g", []string{"http://127.0.0.1:0/never"})
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if res.Succeeded != 0 || res.Failed != 1 {
		t.Errorf("cancelled preload result = %+v", res)
	}
}
