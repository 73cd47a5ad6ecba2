package opencode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// TransportKind selects how server-push events are framed.
type TransportKind string

const (
	// TransportSSE reads text/event-stream from GET /event
	TransportSSE TransportKind = "sse"
	// TransportWebSocket reads one JSON event per text message
	TransportWebSocket TransportKind = "websocket"
)

// ParseTransport accepts "sse", "websocket" or "ws".
func ParseTransport(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sse":
		return TransportSSE, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	default:
		return "", fmt.Errorf("unknown event transport %q", s)
	}
}

// eventStream yields raw JSON event payloads until it fails or is closed.
type eventStream interface {
	Next() ([]byte, error)
	Close() error
}

// transport opens an event stream. The handshake must finish within timeout;
// the stream itself lives until closed.
type transport interface {
	open(ctx context.Context, timeout time.Duration) (eventStream, error)
}

func newTransport(kind TransportKind, baseURL string, client *http.Client) transport {
	if kind == TransportWebSocket {
		return &wsTransport{url: "ws" + strings.TrimPrefix(baseURL, "http") + "/event/ws"}
	}
	return &sseTransport{url: baseURL + "/event", client: client}
}

type sseTransport struct {
	url    string
	client *http.Client
}

func (t *sseTransport) open(ctx context.Context, timeout time.Duration) (eventStream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// the caller's ctx and the timeout bound only the handshake
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	stopCallerCancel := context.AfterFunc(ctx, cancel)

	resp, err := t.client.Do(req)
	timer.Stop()
	stopCallerCancel()
	if err != nil {
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("event stream handshake: %w", context.DeadlineExceeded)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: unexpected content type %q", ct)
	}

	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
}

// Next returns the data of the next event. Multi-line data fields are joined
// with '\n'; comments and other fields are ignored.
func (s *sseStream) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && hasData && strings.TrimSpace(line) == "" {
				return data.Bytes(), nil
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
	}
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

type wsTransport struct {
	url string
}

func (t *wsTransport) open(ctx context.Context, timeout time.Duration) (eventStream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("event websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
