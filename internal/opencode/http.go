package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/codefionn/agentpulse/internal/consts"
)

// FetchRootSessions lists the instance's sessions and rebuilds the root set
// from scratch. Busy flags and pending permissions of sessions that are no
// longer roots are dropped.
func (c *Client) FetchRootSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, "fetch sessions", http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}

	roots := make([]Session, 0, len(sessions))
	set := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if s.ID == "" || !s.IsRoot() {
			continue
		}
		if _, dup := set[s.ID]; dup {
			continue
		}
		set[s.ID] = struct{}{}
		roots = append(roots, s)
	}

	c.mu.Lock()
	c.roots = set
	for id := range c.busy {
		if _, ok := set[id]; !ok {
			delete(c.busy, id)
		}
	}
	for id, p := range c.permissions {
		if _, ok := set[p.SessionID]; !ok {
			delete(c.permissions, id)
		}
	}
	c.mu.Unlock()

	c.log.Debug("fetched %d session(s), %d root", len(sessions), len(roots))
	return roots, nil
}

// GetStatus queries the aggregate status of the instance. Any busy or
// retrying session makes the result busy.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	snap, err := c.fetchStatus(ctx, "get status")
	if err != nil {
		return "", err
	}
	return snap.aggregate(), nil
}

type sessionStatus struct {
	Type string `json:"type"`
}

// statusSnapshot is a decoded /session/status body. Newer servers answer
// with an object keyed by session id, older ones with a bare array.
type statusSnapshot struct {
	keyed  map[string]Status
	values []Status
}

func (s statusSnapshot) aggregate() Status {
	for _, st := range s.keyed {
		if st == StatusBusy {
			return StatusBusy
		}
	}
	for _, st := range s.values {
		if st == StatusBusy {
			return StatusBusy
		}
	}
	return StatusIdle
}

func parseStatusBody(body json.RawMessage) (statusSnapshot, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return statusSnapshot{}, errors.New("empty body")
	}

	switch body[0] {
	case '[':
		var raw []sessionStatus
		if err := json.Unmarshal(body, &raw); err != nil {
			return statusSnapshot{}, err
		}
		values := make([]Status, len(raw))
		for i, r := range raw {
			values[i] = parseStatus(r.Type)
		}
		return statusSnapshot{values: values}, nil
	case '{':
		var raw map[string]sessionStatus
		if err := json.Unmarshal(body, &raw); err != nil {
			return statusSnapshot{}, err
		}
		keyed := make(map[string]Status, len(raw))
		for id, r := range raw {
			keyed[id] = parseStatus(r.Type)
		}
		return statusSnapshot{keyed: keyed}, nil
	default:
		return statusSnapshot{}, fmt.Errorf("unexpected status body starting with %q", body[0])
	}
}

func (c *Client) fetchStatus(ctx context.Context, op string) (statusSnapshot, error) {
	var body json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, "/session/status", nil, &body); err != nil {
		return statusSnapshot{}, err
	}
	snap, err := parseStatusBody(body)
	if err != nil {
		return statusSnapshot{}, &ClientError{Kind: ErrInvalidResponse, Op: op, Err: err}
	}
	return snap, nil
}

// CreateSession starts a new root session.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	req := struct {
		Title string `json:"title,omitempty"`
	}{Title: title}

	var s Session
	if err := c.do(ctx, "create session", http.MethodPost, "/session", req, &s); err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		return Session{}, &ClientError{Kind: ErrInvalidResponse, Op: "create session", Err: errors.New("missing session id")}
	}
	return s, nil
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendPrompt submits text to a session without waiting for the reply.
func (c *Client) SendPrompt(ctx context.Context, sessionID, text string) error {
	req := struct {
		Parts []textPart `json:"parts"`
	}{Parts: []textPart{{Type: "text", Text: text}}}

	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	return c.do(ctx, "send prompt", http.MethodPost, path, req, nil)
}

// RespondPermission replies to a pending permission request.
func (c *Client) RespondPermission(ctx context.Context, sessionID, permissionID string, response PermissionResponse) error {
	if !response.Valid() {
		return fmt.Errorf("invalid permission response %q", response)
	}
	req := struct {
		Response PermissionResponse `json:"response"`
	}{Response: response}

	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, "respond permission", http.MethodPost, path, req, nil)
}

// do performs one bounded request. out, when non-nil, receives the decoded
// JSON body.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return &ClientError{Kind: ErrClientClosed, Op: op}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &ClientError{Kind: ErrRequestFailed, Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &ClientError{Kind: ErrRequestFailed, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ClientError{Kind: classifyTransportError(ctx, err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, consts.MaxErrorBody))
		var cause error
		if msg := bytes.TrimSpace(snippet); len(msg) > 0 {
			cause = errors.New(string(msg))
		}
		return &ClientError{Kind: ErrRequestFailed, Op: op, StatusCode: resp.StatusCode, Err: cause}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ClientError{Kind: classifyTransportError(ctx, err), Op: op, Err: err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ClientError{Kind: ErrInvalidResponse, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrRequestFailed
}
