package wa

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is the in-memory transport used across the package tests.
type fakeTransport struct {
	mu sync.Mutex

	events chan Event

	initFn    func(ctx context.Context) error
	sendFn    func(routingID, text string) (SendReceipt, error)
	resolveFn func(routingID string) (bool, error)

	initCalls    int
	destroyCalls int
	sendCalls    int
	sendTimes    []time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 32)}
}

func (f *fakeTransport) emit(ev Event) { f.events <- ev }

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	fn := f.initFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeTransport) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, routingID, text string) (SendReceipt, error) {
	f.mu.Lock()
	f.sendCalls++
	f.sendTimes = append(f.sendTimes, time.Now())
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(routingID, text)
	}
	return SendReceipt{MessageID: "msg-1", Timestamp: time.Now()}, nil
}

func (f *fakeTransport) ResolveAddress(ctx context.Context, routingID string) (bool, error) {
	f.mu.Lock()
	fn := f.resolveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(routingID)
	}
	return true, nil
}

func (f *fakeTransport) counts() (init, destroy, send int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.destroyCalls, f.sendCalls
}
