package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gymbot/internal/wa"
	"gymbot/pkg/logx"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendMessage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"wamid.1","timestamp":1700000000}`))
	}))

	receipt, err := c.SendMessage(context.Background(), "923001234567@c.us", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if receipt.MessageID != "wamid.1" {
		t.Fatalf("message id = %q", receipt.MessageID)
	}
	if !receipt.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", receipt.Timestamp)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   wa.ErrorKind
	}{
		{name: "bridge code wins", status: http.StatusBadRequest, body: `{"code":"recipient_not_found","message":"no such user"}`, kind: wa.KindUnreachable},
		{name: "rate limited code", status: http.StatusForbidden, body: `{"code":"rate_limited","message":"slow down"}`, kind: wa.KindRateLimited},
		{name: "too many requests", status: http.StatusTooManyRequests, body: `{}`, kind: wa.KindRateLimited},
		{name: "not found", status: http.StatusNotFound, body: `{}`, kind: wa.KindUnreachable},
		{name: "server error", status: http.StatusBadGateway, body: `{}`, kind: wa.KindTransient},
		{name: "protocol error code", status: http.StatusConflict, body: `{"code":"protocol_error","message":"page crashed"}`, kind: wa.KindTransient},
		{name: "unclassified", status: http.StatusTeapot, body: `{}`, kind: wa.KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := c.SendMessage(context.Background(), "923001234567@c.us", "hi")
			var te *wa.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *wa.TransportError", err)
			}
			if te.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", te.Kind, tt.kind)
			}
		})
	}
}

func TestResolveAddress(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contacts/923001234567@c.us/exists":
			_, _ = w.Write([]byte(`{"exists":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"recipient_not_found"}`))
		}
	}))

	ok, err := c.ResolveAddress(context.Background(), "923001234567@c.us")
	if err != nil || !ok {
		t.Fatalf("ResolveAddress = %v, %v; want true, nil", ok, err)
	}

	ok, err = c.ResolveAddress(context.Background(), "920000000000@c.us")
	if err != nil {
		t.Fatalf("ResolveAddress for missing contact: %v", err)
	}
	if ok {
		t.Fatal("missing contact reported as existing")
	}
}

func TestTranslateEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   bridgeEvent
		kind wa.EventKind
		ok   bool
	}{
		{in: bridgeEvent{Type: "qr", Data: "token"}, kind: wa.EventPairingChallenge, ok: true},
		{in: bridgeEvent{Type: "authenticated"}, kind: wa.EventAuthenticated, ok: true},
		{in: bridgeEvent{Type: "ready"}, kind: wa.EventReady, ok: true},
		{in: bridgeEvent{Type: "auth_failure", Data: "logged out"}, kind: wa.EventAuthFailure, ok: true},
		{in: bridgeEvent{Type: "disconnected"}, kind: wa.EventDisconnected, ok: true},
		{in: bridgeEvent{Type: "error", Data: "tab crash"}, kind: wa.EventRuntimeError, ok: true},
		{in: bridgeEvent{Type: "battery_low"}, ok: false},
	}
	for _, tt := range tests {
		ev, ok := translateEvent(tt.in)
		if ok != tt.ok {
			t.Fatalf("translateEvent(%q) ok = %v, want %v", tt.in.Type, ok, tt.ok)
		}
		if ok && ev.Kind != tt.kind {
			t.Fatalf("translateEvent(%q) kind = %s, want %s", tt.in.Type, ev.Kind, tt.kind)
		}
	}
}

func TestEventPolling(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("cursor") {
		case "0":
			_, _ = w.Write([]byte(`{"cursor":2,"events":[{"type":"qr","data":"tok"},{"type":"ready"}]}`))
		default:
			// Hold the poll open until the client goes away.
			<-r.Context().Done()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	want := []wa.EventKind{wa.EventPairingChallenge, wa.EventReady}
	for _, k := range want {
		select {
		case ev := <-c.Events():
			if ev.Kind != k {
				t.Fatalf("event kind = %s, want %s", ev.Kind, k)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", k)
		}
	}
}
