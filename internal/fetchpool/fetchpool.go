// Package fetchpool bounds outbound HTTP: a fixed number of concurrent fetch
// contexts shared by all collectors, plus a per-host token bucket so one
// busy source cannot hammer a single site.
package fetchpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "infoflow/pkg/logx"
)

type Config struct {
	// Contexts caps concurrent fetches across all collectors. Default 4.
	Contexts int
	// RatePerHost is requests per second per host. Default 1.
	RatePerHost float64
	// Burst is the per-host bucket size. Default 2.
	Burst int
	// Timeout bounds one fetch end to end. Default 20s.
	Timeout time.Duration
}

func (c *Config) fill() {
	if c.Contexts < 1 {
		c.Contexts = 4
	}
	if c.RatePerHost <= 0 {
		c.RatePerHost = 1
	}
	if c.Burst < 1 {
		c.Burst = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
}

// Result is one completed fetch. Non-2xx statuses are results, not errors;
// the caller decides what they mean (e.g. 429 → quota).
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

const maxBodyBytes = 8 << 20

type Pool struct {
	log    logx.Logger
	cfg    Config
	client *http.Client
	sem    chan struct{}

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger) *Pool {
	cfg.fill()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    make(chan struct{}, cfg.Contexts),
		hosts:  map[string]*rate.Limiter{},
	}
}

// SetClient swaps the HTTP client (tests point it at a local server).
func (p *Pool) SetClient(c *http.Client) { p.client = c }

func (p *Pool) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.hosts[host]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(p.cfg.RatePerHost), p.cfg.Burst)
		p.hosts[host] = l
	}
	return l
}

// Fetch performs one GET through the pool: it waits for a free fetch
// context, then for the host's rate token, then issues the request.
func (p *Pool) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("fetch %q: no host", rawURL)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	if err := p.limiterFor(host).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "infoflow/1.0")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %q: read body: %w", rawURL, err)
	}

	p.log.Trace("fetched",
		logx.String("host", host),
		logx.Int("status", resp.StatusCode),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// RetryAfter parses a response's Retry-After header (seconds or HTTP date).
// Zero means absent or unparsable.
func RetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
