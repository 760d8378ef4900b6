// Package httpfeed is a collector for JSON feeds over HTTP. One collector
// serves one endpoint; a parameterized one runs the endpoint once per
// configured query, each on its own schedule.
package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"infoflow/internal/feed"
	"infoflow/internal/fetchpool"
	"infoflow/internal/task"
	logx "infoflow/pkg/logx"
)

// ParamPlaceholder in the URL template is replaced with the escaped param.
const ParamPlaceholder = "{param}"

type Config struct {
	// Source is the collector name and the Source of every emitted event.
	Source string
	// URL is the feed endpoint. A {param} placeholder receives the job's
	// parameter; without one the parameter is appended as ?q=.
	URL string
	// Limit is the concurrency limit. Default 1.
	Limit int
	// Params makes the collector parameterized: one job per entry.
	Params []task.ParamJob
	// Debug marks every emitted event as debug (captured, never persisted).
	Debug bool
}

type Collector struct {
	task.Base
	cfg  Config
	pool *fetchpool.Pool
	log  logx.Logger
}

func New(cfg Config, pool *fetchpool.Pool, log logx.Logger) (*Collector, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, fmt.Errorf("httpfeed: source is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("httpfeed %s: url is required", cfg.Source)
	}
	if pool == nil {
		return nil, fmt.Errorf("httpfeed %s: fetch pool is required", cfg.Source)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		Base: task.NewBase(cfg.Source, cfg.Limit),
		cfg:  cfg,
		pool: pool,
		log:  log.With(logx.String("collector", cfg.Source)),
	}, nil
}

func (c *Collector) ParamJobs() []task.ParamJob {
	if len(c.cfg.Params) == 0 {
		return nil
	}
	out := make([]task.ParamJob, len(c.cfg.Params))
	copy(out, c.cfg.Params)
	return out
}

func (c *Collector) Execute(ctx context.Context, t task.Task) ([]feed.RawEvent, error) {
	param, _ := t.Args[task.ArgParam].(string)
	endpoint := c.buildURL(param)

	res, err := c.pool.Fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}

	switch {
	case res.Status == http.StatusTooManyRequests,
		res.Status == http.StatusForbidden && looksLikeQuota(res):
		return nil, &task.QuotaExceededError{
			Reason:     fmt.Sprintf("%s returned %d", c.Name(), res.Status),
			RetryAfter: fetchpool.RetryAfter(res.Header),
		}
	case res.Status < 200 || res.Status > 299:
		return nil, fmt.Errorf("%s: unexpected status %d", c.Name(), res.Status)
	}

	items, err := parseItems(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}

	events := make([]feed.RawEvent, 0, len(items))
	now := time.Now().UTC()
	for _, raw := range items {
		if param != "" {
			raw["param"] = param
		}
		e := feed.RawEvent{Source: c.Name(), Raw: raw, FetchedAt: now, Debug: c.cfg.Debug}
		events = append(events, e)
	}
	c.log.Debug("feed fetched", logx.String("param", param), logx.Int("items", len(events)))
	return events, nil
}

func (c *Collector) buildURL(param string) string {
	if param == "" {
		return strings.ReplaceAll(c.cfg.URL, ParamPlaceholder, "")
	}
	escaped := url.QueryEscape(param)
	if strings.Contains(c.cfg.URL, ParamPlaceholder) {
		return strings.ReplaceAll(c.cfg.URL, ParamPlaceholder, escaped)
	}
	sep := "?"
	if strings.Contains(c.cfg.URL, "?") {
		sep = "&"
	}
	return c.cfg.URL + sep + "q=" + escaped
}

// looksLikeQuota treats a 403 as a quota signal only when the server says so,
// since 403 is also plain auth failure.
func looksLikeQuota(res *fetchpool.Result) bool {
	if res.Header.Get("Retry-After") != "" {
		return true
	}
	body := strings.ToLower(string(res.Body))
	return strings.Contains(body, "quota") || strings.Contains(body, "rate limit")
}

// parseItems accepts either a top-level array or {"items": [...]}.
func parseItems(body []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var wrapped struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return wrapped.Items, nil
}
