// Package bridge implements the wa.Transport capability over an external
// WhatsApp web-bridge process.
//
// The bridge owns the actual WhatsApp session: browser automation, login
// persistence, pairing codes. This adapter only drives its HTTP API and
// translates bridge responses into the typed errors and events the session
// machinery understands. Session credentials never pass through here; they
// are opaque state inside the bridge.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gymbot/internal/wa"
	"gymbot/pkg/logx"
)

type Config struct {
	// BaseURL is the bridge's HTTP endpoint, e.g. "http://127.0.0.1:8921".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string

	// HTTPTimeout bounds regular API calls.
	HTTPTimeout time.Duration
	// PollTimeout is the long-poll window requested from /events.
	PollTimeout time.Duration

	EventBuffer int
}

type Client struct {
	cfg  Config
	log  logx.Logger
	base *url.URL

	// api serves regular calls; poll has no client timeout because the
	// events request is expected to hang for the whole poll window.
	api  *http.Client
	poll *http.Client

	events chan wa.Event

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("bridge base URL is empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bridge base URL: %w", err)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Client{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "bridge")),
		base:   base,
		api:    &http.Client{Timeout: cfg.HTTPTimeout},
		poll:   &http.Client{},
		events: make(chan wa.Event, cfg.EventBuffer),
	}, nil
}

// Start launches the event long-poll loop. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	rctx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.runWG.Add(1)
	go c.pollLoop(rctx)
	return nil
}

func (c *Client) Stop(ctx context.Context) {
	c.runMu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	c.running = false
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ---- wa.Transport ----

func (c *Client) Initialize(ctx context.Context) error {
	return c.post(ctx, "/session/start", nil, nil)
}

func (c *Client) Destroy(ctx context.Context) error {
	return c.post(ctx, "/session/stop", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, routingID, text string) (wa.SendReceipt, error) {
	req := sendRequest{To: routingID, Body: text}
	var resp sendResponse
	if err := c.post(ctx, "/messages", req, &resp); err != nil {
		return wa.SendReceipt{}, err
	}
	return wa.SendReceipt{
		MessageID: resp.ID,
		Timestamp: time.Unix(resp.Timestamp, 0),
	}, nil
}

func (c *Client) ResolveAddress(ctx context.Context, routingID string) (bool, error) {
	var resp existsResponse
	err := c.get(ctx, "/contacts/"+url.PathEscape(routingID)+"/exists", &resp)
	if err != nil {
		var te *wa.TransportError
		if errors.As(err, &te) && te.Kind == wa.KindUnreachable {
			return false, nil
		}
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) Events() <-chan wa.Event { return c.events }

// ---- wire types ----

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pollResponse struct {
	Cursor int64         `json:"cursor"`
	Events []bridgeEvent `json:"events"`
}

type bridgeEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// ---- HTTP plumbing ----

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(c.api, req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	return c.do(c.api, req, out)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		// Network-level failures are transient from the caller's view.
		return &wa.TransportError{Kind: wa.KindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyHTTP(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &wa.TransportError{Kind: wa.KindTransient, Msg: "malformed bridge response: " + err.Error()}
	}
	return nil
}

// classifyHTTP maps a non-2xx bridge response to a typed transport error.
// The bridge's own error code wins over the HTTP status when present.
func classifyHTTP(resp *http.Response) error {
	var ae apiError
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = fmt.Sprintf("bridge returned HTTP %d", resp.StatusCode)
	}

	kind := wa.KindUnknown
	switch ae.Code {
	case "recipient_not_found":
		kind = wa.KindUnreachable
	case "rate_limited":
		kind = wa.KindRateLimited
	case "session_error", "protocol_error":
		kind = wa.KindTransient
	default:
		switch {
		case resp.StatusCode == http.StatusNotFound:
			kind = wa.KindUnreachable
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = wa.KindRateLimited
		case resp.StatusCode >= 500:
			kind = wa.KindTransient
		}
	}
	return &wa.TransportError{Kind: kind, Code: ae.Code, Msg: msg}
}
