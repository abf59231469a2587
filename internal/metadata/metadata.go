// Package metadata fetches best-effort client/network metadata for a run.
package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	logx "netgauge/pkg/logx"
)

const (
	DefaultURL     = "https://speed.cloudflare.com/meta"
	DefaultTimeout = 5 * time.Second

	maxBody = 1 << 20
)

type Config struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Fetcher performs a single GET per run. It never returns an error:
// every failure collapses to an empty map.
type Fetcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	// OnFailure, when set, is called once per failed fetch.
	OnFailure func(err error)
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// Fetch returns the metadata object, or an empty map on any failure.
func (f *Fetcher) Fetch(ctx context.Context) map[string]any {
	m, err := f.fetch(ctx)
	if err != nil {
		f.log.Debug("metadata fetch failed", logx.String("url", f.cfg.URL), logx.Err(err))
		if f.OnFailure != nil {
			f.OnFailure(err)
		}
		return map[string]any{}
	}
	return m
}

func (f *Fetcher) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return Parse(body)
}

// Parse accepts only a JSON object.
func Parse(body []byte) (map[string]any, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("malformed json")
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, fmt.Errorf("metadata is %s, want object", res.Type)
	}
	m, ok := res.Value().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata is not an object")
	}
	return m, nil
}

// Pending is a fetch running in the background.
type Pending struct {
	mu       sync.Mutex
	value    map[string]any
	resolved bool
	done     chan struct{}
}

// Start launches Fetch in its own goroutine and returns immediately.
func (f *Fetcher) Start(ctx context.Context) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		p.resolve(f.Fetch(ctx))
	}()
	return p
}

// Resolved returns a Pending that already holds m.
func Resolved(m map[string]any) *Pending {
	p := &Pending{done: make(chan struct{})}
	p.resolve(m)
	return p
}

func (p *Pending) resolve(m map[string]any) {
	if m == nil {
		m = map[string]any{}
	}
	p.mu.Lock()
	p.value = m
	p.resolved = true
	p.mu.Unlock()
	close(p.done)
}

// Value never blocks. Until the fetch resolves it returns an empty map and false.
// Callers get a copy they may keep.
func (p *Pending) Value() (map[string]any, bool) {
	if p == nil {
		return map[string]any{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.resolved {
		return map[string]any{}, false
	}
	cp := make(map[string]any, len(p.value))
	for k, v := range p.value {
		cp[k] = v
	}
	return cp, true
}

// Done is closed once the fetch has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }
