package connectivity

import (
	"context"
	"net/http"
	"time"
)

// Prober is the fallback signal path: a scheduled HTTP re-check against
// a known endpoint. It exists only for platforms where no push-based
// source is available and is kept separate from the primary path so the
// two can be driven independently.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	signals  chan Signal
}

// NewProber creates a prober issuing HEAD requests to url on every tick.
func NewProber(url string, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		signals:  make(chan Signal, 4),
	}
}

// Signals implements Source.
func (p *Prober) Signals() <-chan Signal { return p.signals }

// Run probes until the context is cancelled, then closes the signal
// channel. One probe fires immediately on start.
func (p *Prober) Run(ctx context.Context) {
	defer close(p.signals)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// probe issues one HEAD request and reports the outcome. The elapsed
// time doubles as a coarse round-trip estimate.
func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)

	sig := Signal{Online: err == nil, RTT: elapsed}
	if err == nil {
		resp.Body.Close()
	} else {
		sig.RTT = 0
	}

	select {
	case p.signals <- sig:
	case <-ctx.Done():
	}
}
