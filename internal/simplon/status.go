// Package simplon polls the SIMPLON REST status of a DECTRIS detector that
// feeds the zmq source, so the live view can show whether the stream is
// armed while no frames arrive.
package simplon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Modules polled for their state.
var Modules = []string{"detector", "stream"}

type Config struct {
	BaseURL    string
	APIVersion string
	Interval   time.Duration
}

// Poller keeps the latest state of every module. States are lower-cased
// SIMPLON values ("idle", "ready", "acquire"), "http_<code>" for an error
// response or "unreachable".
type Poller struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	states  map[string]string
	updated time.Time
}

func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Poller{
		cfg:    cfg,
		client: &http.Client{Timeout: 900 * time.Millisecond},
		states: make(map[string]string),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) PollOnce(ctx context.Context) {
	states := make(map[string]string, len(Modules))
	for _, module := range Modules {
		states[module] = p.fetch(ctx, module)
	}
	p.mu.Lock()
	p.states = states
	p.updated = time.Now()
	p.mu.Unlock()
}

func (p *Poller) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.states)+1)
	for k, v := range p.states {
		out[k] = v
	}
	if !p.updated.IsZero() {
		out["updated"] = p.updated.Format(time.RFC3339)
	}
	return out
}

// StatusPaths lists the URLs tried for a module's state, versioned layouts
// first.
func StatusPaths(baseURL, apiVersion, module string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	apiVersion = strings.Trim(apiVersion, "/")
	if baseURL == "" || module == "" {
		return nil
	}
	paths := make([]string, 0, 3)
	if apiVersion != "" {
		paths = append(paths, baseURL+"/"+module+"/api/"+apiVersion+"/status/state")
		paths = append(paths, baseURL+"/api/"+apiVersion+"/"+module+"/status/state")
	}
	paths = append(paths, baseURL+"/"+module+"/status/state")
	return paths
}

func (p *Poller) fetch(ctx context.Context, module string) string {
	state := "unreachable"
	for _, path := range StatusPaths(p.cfg.BaseURL, p.cfg.APIVersion, module) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			continue
		}
		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			state = "http_404"
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Sprintf("http_%d", resp.StatusCode)
		}
		if s, ok := extractState(body); ok {
			return s
		}
		return "ok"
	}
	return state
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status", "value"} {
			if entry, ok := v[key]; ok {
				switch inner := entry.(type) {
				case string:
					return inner
				default:
					if nested := findState(inner); nested != "" {
						return nested
					}
				}
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
