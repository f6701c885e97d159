// Package cache implements the cache accountant: usage reporting,
// group-scoped eviction, and best-effort preloading of remote resources
// into the managed cache root.
//
// Cached content lives under one root directory with one subdirectory
// per group. The accountant never evicts on its own; callers decide
// when usage is too close to quota.
package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tetherd/internal/logging"
	"tetherd/internal/metrics"
)

var (
	// ErrBadGroup rejects group names that would escape the cache root.
	ErrBadGroup = errors.New("cache: invalid group name")
)

// Usage reports cache consumption against the effective quota.
type Usage struct {
	TotalBytes int64            `json:"total_bytes"`
	QuotaBytes int64            `json:"quota_bytes"`
	Groups     map[string]int64 `json:"groups"`
}

// PreloadResult reports the outcome of a preload pass. Failed
// resources are simply absent from the cache; reasons go to the log.
type PreloadResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Options configures an Accountant.
type Options struct {
	// QuotaBytes overrides the platform-derived quota when positive.
	QuotaBytes int64

	// FetchTimeout bounds one preload fetch. Zero means 30s.
	FetchTimeout time.Duration

	// Client may be nil; a default client is built with FetchTimeout.
	Client *http.Client

	// Logger may be nil.
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *metrics.TetherdMetrics
}

// Accountant manages the cache root.
type Accountant struct {
	root   string
	quota  int64
	client *http.Client
	log    *logging.Logger
	mets   *metrics.TetherdMetrics

	// mu serializes evictions against preload writes.
	mu sync.Mutex
}

// New creates the accountant, creating the cache root if needed.
func New(root string, opts Options) (*Accountant, error) {
	if root == "" {
		return nil, errors.New("cache: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Accountant{
		root:   root,
		quota:  opts.QuotaBytes,
		client: client,
		log:    log.WithComponent("cache"),
		mets:   opts.Metrics,
	}, nil
}

// Root returns the managed cache root.
func (a *Accountant) Root() string {
	return a.root
}

// Usage walks the cache root and reports bytes per group alongside the
// effective quota. The quota is advisory: it comes from configuration
// when set, otherwise from the filesystem the root lives on, queried
// fresh on every call so external churn is reflected.
func (a *Accountant) Usage(ctx context.Context) (Usage, error) {
	u := Usage{Groups: make(map[string]int64)}

	entries, err := os.ReadDir(a.root)
	if err != nil {
		return u, fmt.Errorf("read cache root: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return u, err
		}
		if !e.IsDir() {
			continue
		}
		size, err := dirSize(filepath.Join(a.root, e.Name()))
		if err != nil {
			return u, fmt.Errorf("measure group %s: %w", e.Name(), err)
		}
		u.Groups[e.Name()] = size
		u.TotalBytes += size
	}

	if a.quota > 0 {
		u.QuotaBytes = a.quota
	} else {
		q, err := platformQuota(a.root)
		if err != nil {
			a.log.Warn("platform quota unavailable", "error", err)
		}
		u.QuotaBytes = q
	}

	if a.mets != nil {
		a.mets.CacheUsedBytes.Set(u.TotalBytes)
	}
	return u, nil
}

// Evict removes one named group. It returns the number of groups
// removed, so 1, or 0 when the group does not exist.
func (a *Accountant) Evict(group string) (int, error) {
	dir, err := a.groupDir(group)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat group %s: %w", group, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("evict group %s: %w", group, err)
	}

	if a.mets != nil {
		a.mets.CacheEvictions.Inc()
	}
	a.log.Info("evicted cache group", "group", group)
	return 1, nil
}

// EvictAll removes every group and returns how many were removed.
// After it returns, Usage reports zero total bytes.
func (a *Accountant) EvictAll() (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read cache root: %w", err)
	}

	total := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := a.Evict(e.Name())
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Preload fetches the given URLs into a group. Failures are collected
// per URL and do not abort the pass; the error return covers only setup
// problems such as an invalid group name.
func (a *Accountant) Preload(ctx context.Context, group string, urls []string) (PreloadResult, error) {
	var res PreloadResult

	dir, err := a.groupDir(group)
	if err != nil {
		return res, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return res, fmt.Errorf("create group %s: %w", group, err)
	}

	start := time.Now()
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			res.Failed = len(urls) - res.Succeeded
			break
		}
		if err := a.fetchOne(ctx, dir, url); err != nil {
			res.Failed++
			a.log.Debug("preload fetch failed", "url", url, "error", err)
			continue
		}
		res.Succeeded++
	}

	if a.mets != nil {
		a.mets.PreloadsTotal.Add(uint64(res.Succeeded))
		a.mets.PreloadDuration.ObserveDuration(time.Since(start))
	}
	return res, nil
}

// fetchOne downloads one URL into the group directory. The write goes
// through a temp file and rename so a torn download never surfaces as
// cached content.
func (a *Accountant) fetchOne(ctx context.Context, dir, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	final := filepath.Join(dir, entryName(url))
	tmp, err := os.CreateTemp(dir, ".preload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

func (a *Accountant) groupDir(group string) (string, error) {
	if group == "" || group != filepath.Base(group) || strings.HasPrefix(group, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadGroup, group)
	}
	return filepath.Join(a.root, group), nil
}

// entryName maps a URL to a stable cache file name.
func entryName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%x", sum[:16])
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries evicted mid-walk are not an error.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// platformQuota derives an advisory quota from the filesystem holding
// the cache root: a tenth of its capacity.
func platformQuota(root string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", root, err)
	}
	return int64(st.Blocks) * st.Bsize / 10, nil
}
