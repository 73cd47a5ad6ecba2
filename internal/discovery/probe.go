package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefionn/agentpulse/internal/consts"
	"github.com/codefionn/agentpulse/internal/logger"
)

// Prober classifies a listening port. ok is false when the port is not an
// agent server; that is an outcome, not an error.
type Prober interface {
	Probe(ctx context.Context, port int) (workspace string, ok bool)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, port int) (string, bool)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, port int) (string, bool) {
	return f(ctx, port)
}

// HTTPProber asks a candidate port for the agent server's path info
// (GET /path) and treats the reported directory as the workspace.
type HTTPProber struct {
	host   string
	client *http.Client
	log    *logger.Logger
}

// pathInfo is the subset of the /path response used for classification.
type pathInfo struct {
	Directory string `json:"directory"`
	Worktree  string `json:"worktree"`
}

// NewHTTPProber creates a prober talking to host (default 127.0.0.1).
func NewHTTPProber(host string, timeout time.Duration, log *logger.Logger) *HTTPProber {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = consts.Timeout2Seconds
	}
	return &HTTPProber{
		host:   host,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Probe performs one classification call.
func (p *HTTPProber) Probe(ctx context.Context, port int) (string, bool) {
	url := fmt.Sprintf("http://%s:%d/path", p.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe port %d: %v", port, err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.log.Debug("probe port %d: status %d", port, resp.StatusCode)
		return "", false
	}

	var info pathInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		p.log.Debug("probe port %d: not a path response: %v", port, err)
		return "", false
	}

	dir := strings.TrimSpace(info.Directory)
	if dir == "" {
		dir = strings.TrimSpace(info.Worktree)
	}
	if dir == "" {
		return "", false
	}
	return filepath.Clean(dir), true
}
