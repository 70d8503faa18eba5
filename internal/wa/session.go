package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gymbot/internal/eventbus"
	"gymbot/pkg/logx"
)

// State is the session connection state. Transitions happen only inside
// this package: the event pump applies transport signals, the bring-up
// goroutine applies watchdog and retry outcomes.
type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StatePairingRequired
	StateAuthenticated
	StateConnected
	StateReconnecting
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StatePairingRequired:
		return "pairing_required"
	case StateAuthenticated:
		return "authenticated"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// Timings collects every delay the session machinery uses. Tests compress
// them; production uses DefaultTimings.
type Timings struct {
	// BringUpWatchdog bounds a single bring-up attempt end to end: the
	// transport initialize call and the wait for the operator to answer a
	// pairing challenge share the same deadline.
	BringUpWatchdog time.Duration

	// InitRetryDelay is slept after a failed transport initialize before
	// the next bring-up attempt.
	InitRetryDelay time.Duration

	// TimeoutRetryDelay is slept after a watchdog expiry before the next
	// bring-up attempt.
	TimeoutRetryDelay time.Duration

	// ReconnectDelay is slept between teardown and re-initialize when a
	// runtime error knocks a connected session over.
	ReconnectDelay time.Duration

	// RestartSettle is slept between the disconnect and initialize halves
	// of Restart.
	RestartSettle time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		BringUpWatchdog:   120 * time.Second,
		InitRetryDelay:    5 * time.Second,
		TimeoutRetryDelay: 10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		RestartSettle:     5 * time.Second,
	}
}

const DefaultMaxBringUpAttempts = 3

type SessionConfig struct {
	Timings            Timings
	MaxBringUpAttempts int
}

// Status is a point-in-time snapshot. Reading it never blocks.
type Status struct {
	State            State
	PairingChallenge string
	Retries          int
}

// StateChange is the payload published on the state bus for every
// transition.
type StateChange struct {
	From State
	To   State
}

// StateBus carries session state changes to observers.
type StateBus = eventbus.Bus[StateChange]

// flight is one in-progress bring-up. Concurrent Initialize callers share a
// flight and observe the same outcome (single-flight).
type flight struct {
	done   chan struct{}
	once   sync.Once
	status Status
	err    error
}

func newFlight() *flight { return &flight{done: make(chan struct{})} }

func (f *flight) settle(st Status, err error) {
	f.once.Do(func() {
		f.status = st
		f.err = err
		close(f.done)
	})
}

// Session owns the single live transport handle and its connection state
// machine. Construct one per process and share it; there is no package
// singleton.
type Session struct {
	transport   Transport
	bus         StateBus
	log         logx.Logger
	t           Timings
	maxAttempts int

	// tmu serializes every call into the transport handle: initialize,
	// destroy and the send/resolve primitives.
	tmu sync.Mutex

	mu          sync.Mutex
	state       State
	challenge   string
	retries     int
	lastErr     error
	inflight    *flight
	bringCancel context.CancelFunc
	stateCh     chan struct{} // closed and replaced on every transition

	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// NewSession builds a session over the given transport. bus may be nil.
func NewSession(t Transport, cfg SessionConfig, bus StateBus, log logx.Logger) *Session {
	timings := cfg.Timings
	if timings == (Timings{}) {
		timings = DefaultTimings()
	}
	max := cfg.MaxBringUpAttempts
	if max <= 0 {
		max = DefaultMaxBringUpAttempts
	}
	return &Session{
		transport:   t,
		bus:         bus,
		log:         log.With(logx.String("comp", "wa.session")),
		t:           timings,
		maxAttempts: max,
		state:       StateDisconnected,
		stateCh:     make(chan struct{}),
	}
}

// Start launches the transport event pump. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	rctx := s.runCtx
	s.mu.Unlock()

	s.runWG.Add(1)
	go s.pump(rctx)
	return nil
}

// Stop aborts any in-flight bring-up, tears the transport down best-effort
// and waits for background goroutines, bounded by ctx.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	runCancel := s.runCancel
	s.runCancel = nil
	bringCancel := s.bringCancel
	s.bringCancel = nil
	s.mu.Unlock()

	if bringCancel != nil {
		bringCancel()
	}
	if runCancel != nil {
		runCancel()
	}
	s.teardownTransport(ctx)

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Status returns a read-only snapshot; it never blocks on transport I/O.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{State: s.state, PairingChallenge: s.challenge, Retries: s.retries}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize brings the session up. It is single-flight: a call made while
// a bring-up is in flight joins it and returns the same outcome.
//
// The call returns as soon as the attempt settles from the caller's point
// of view: a pairing challenge is available, the session is connected, or
// bring-up failed terminally. The retry machinery keeps running in the
// background after a pairing-challenge return.
func (s *Session) Initialize(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Status{}, errors.New("session not started")
	}
	if s.state == StateConnected {
		st := s.statusLocked()
		s.mu.Unlock()
		return st, nil
	}
	if s.state == StateFailed && s.inflight == nil {
		// Terminal; only an explicit Restart clears it.
		st := s.statusLocked()
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("session failed")
		}
		return st, err
	}
	fl := s.inflight
	if fl == nil {
		fl = newFlight()
		s.inflight = fl
		s.retries = 0
		s.lastErr = nil
		bctx, cancel := context.WithCancel(s.runCtx)
		s.bringCancel = cancel
		s.runWG.Add(1)
		go s.bringUp(bctx, fl)
	}
	s.mu.Unlock()

	select {
	case <-fl.done:
		return fl.status, fl.err
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// Disconnect tears the transport down regardless of current state. It is
// best-effort and always succeeds from the caller's perspective.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	cancel := s.bringCancel
	s.bringCancel = nil
	s.inflight = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.teardownTransport(ctx)

	s.mu.Lock()
	s.challenge = ""
	s.retries = 0
	s.lastErr = nil
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()
	s.log.Info("session disconnected")
}

// Restart recovers from operator-triggered resets: disconnect, settle,
// initialize. The retry counter starts fresh.
func (s *Session) Restart(ctx context.Context) (Status, error) {
	s.log.Info("session restart requested")
	s.Disconnect(ctx)
	if !sleepCtx(ctx, s.t.RestartSettle) {
		return s.Status(), ctx.Err()
	}
	return s.Initialize(ctx)
}

// SendText is the send primitive used by the delivery service. It refuses
// to touch the transport unless the session is Connected.
func (s *Session) SendText(ctx context.Context, routingID, text string) (SendReceipt, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.State() != StateConnected {
		return SendReceipt{}, ErrNotReady
	}
	return s.transport.SendMessage(ctx, routingID, text)
}

// ResolveAddress checks recipient existence through the live session.
func (s *Session) ResolveAddress(ctx context.Context, routingID string) (bool, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.State() != StateConnected {
		return false, ErrNotReady
	}
	return s.transport.ResolveAddress(ctx, routingID)
}

// ---- internals ----

func (s *Session) pump(ctx context.Context) {
	defer s.runWG.Done()
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.applyEvent(ctx, ev)
		}
	}
}

// applyEvent is the only place transport signals become state transitions.
// Events that make no sense in the current state are dropped.
func (s *Session) applyEvent(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventPairingChallenge:
		if s.state == StateInitializing || s.state == StatePairingRequired {
			// Replaced on every re-pairing.
			s.challenge = ev.Challenge
			s.transitionLocked(StatePairingRequired)
		}

	case EventAuthenticated:
		// Initializing -> Authenticated happens directly when the transport
		// restores a stored login without a new pairing round.
		if s.state == StateInitializing || s.state == StatePairingRequired {
			s.transitionLocked(StateAuthenticated)
		}

	case EventReady:
		switch s.state {
		case StateInitializing, StatePairingRequired, StateAuthenticated, StateReconnecting:
			s.challenge = ""
			s.retries = 0
			s.lastErr = nil
			s.transitionLocked(StateConnected)
		}

	case EventAuthFailure:
		s.lastErr = fmt.Errorf("authentication failed: %s", ev.Detail)
		s.challenge = ""
		s.transitionLocked(StateFailed)
		s.log.Error("authentication failed", logx.String("detail", ev.Detail))

	case EventDisconnected:
		s.challenge = ""
		s.transitionLocked(StateDisconnected)
		s.log.Warn("transport disconnected", logx.String("detail", ev.Detail))

	case EventRuntimeError:
		if s.state == StateConnected {
			s.transitionLocked(StateReconnecting)
			s.log.Warn("runtime error on connected session, reconnecting", logx.String("detail", ev.Detail))
			s.runWG.Add(1)
			go s.reconnect(ctx)
		} else {
			s.log.Debug("runtime error outside connected state", logx.String("state", s.state.String()), logx.String("detail", ev.Detail))
		}

	default:
		// Unrecognized transport events are a no-op.
	}
}

// transitionLocked sets the state and wakes every watcher. Callers hold mu.
func (s *Session) transitionLocked(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	if s.bus != nil {
		s.bus.Publish(StateChange{From: from, To: to})
	}
	s.log.Debug("state transition", logx.String("from", from.String()), logx.String("to", to.String()))
}

type bringUpOutcome int

const (
	bringUpConnected bringUpOutcome = iota
	bringUpAuthFailed
	bringUpDropped
	bringUpTimedOut
	bringUpAborted
)

// bringUp runs the bounded-retry bring-up loop for one flight.
func (s *Session) bringUp(ctx context.Context, fl *flight) {
	defer s.runWG.Done()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			s.finishFlight(fl, ErrBringUpAborted)
			return
		}
		s.mu.Lock()
		s.retries = attempt - 1
		s.challenge = ""
		s.transitionLocked(StateInitializing)
		s.mu.Unlock()
		s.log.Info("bring-up attempt", logx.Int("attempt", attempt), logx.Int("max", s.maxAttempts))

		// The watchdog deadline opens before the transport call so a hung
		// Initialize is bounded the same way a stalled pairing wait is.
		deadline := time.Now().Add(s.t.BringUpWatchdog)
		actx, acancel := context.WithDeadline(ctx, deadline)
		err := s.startTransport(actx)
		initTimedOut := err != nil && errors.Is(actx.Err(), context.DeadlineExceeded)
		acancel()

		outcome := bringUpTimedOut
		switch {
		case err != nil && ctx.Err() != nil:
			s.finishFlight(fl, ErrBringUpAborted)
			return
		case err != nil && !initTimedOut:
			lastErr = err
			s.log.Error("transport initialize failed", logx.Int("attempt", attempt), logx.Err(err))
			if attempt >= s.maxAttempts {
				s.failBringUp(fl, attempt, lastErr)
				return
			}
			if !sleepCtx(ctx, s.t.InitRetryDelay) {
				s.finishFlight(fl, ErrBringUpAborted)
				return
			}
			continue
		case err == nil:
			outcome = s.awaitBringUp(ctx, fl, deadline)
		}

		switch outcome {
		case bringUpConnected:
			s.finishFlight(fl, nil)
			s.log.Info("session connected")
			return

		case bringUpAuthFailed:
			// Terminal until an explicit Restart.
			s.mu.Lock()
			err := s.lastErr
			s.mu.Unlock()
			if err == nil {
				err = errors.New("authentication failed")
			}
			s.finishFlight(fl, err)
			return

		case bringUpAborted:
			s.finishFlight(fl, ErrBringUpAborted)
			return

		case bringUpTimedOut:
			s.mu.Lock()
			s.transitionLocked(StateTimedOut)
			s.mu.Unlock()
			s.teardownTransport(ctx)
			lastErr = fmt.Errorf("bring-up watchdog expired after %s", s.t.BringUpWatchdog)
			s.log.Warn("bring-up timed out", logx.Int("attempt", attempt))
			if attempt >= s.maxAttempts {
				s.failBringUp(fl, attempt, lastErr)
				return
			}
			if !sleepCtx(ctx, s.t.TimeoutRetryDelay) {
				s.finishFlight(fl, ErrBringUpAborted)
				return
			}

		case bringUpDropped:
			s.teardownTransport(ctx)
			lastErr = errors.New("transport disconnected during bring-up")
			s.log.Warn("transport dropped during bring-up", logx.Int("attempt", attempt))
			if attempt >= s.maxAttempts {
				s.failBringUp(fl, attempt, lastErr)
				return
			}
			if !sleepCtx(ctx, s.t.InitRetryDelay) {
				s.finishFlight(fl, ErrBringUpAborted)
				return
			}
		}
	}
}

// awaitBringUp watches state transitions until the attempt resolves or the
// watchdog deadline passes. It settles the flight early at PairingRequired
// so callers can surface the challenge while the wait continues.
func (s *Session) awaitBringUp(ctx context.Context, fl *flight, deadline time.Time) bringUpOutcome {
	wd := time.NewTimer(time.Until(deadline))
	defer wd.Stop()

	for {
		s.mu.Lock()
		st := s.state
		ch := s.stateCh
		snap := s.statusLocked()
		s.mu.Unlock()

		switch st {
		case StatePairingRequired:
			fl.settle(snap, nil)
		case StateConnected:
			return bringUpConnected
		case StateFailed:
			return bringUpAuthFailed
		case StateDisconnected:
			return bringUpDropped
		}

		select {
		case <-ch:
		case <-wd.C:
			return bringUpTimedOut
		case <-ctx.Done():
			return bringUpAborted
		}
	}
}

func (s *Session) failBringUp(fl *flight, attempts int, last error) {
	err := &BringUpError{Attempts: attempts, Last: last}
	s.mu.Lock()
	s.lastErr = err
	s.transitionLocked(StateFailed)
	s.mu.Unlock()
	s.finishFlight(fl, err)
	s.log.Error("bring-up failed terminally", logx.Int("attempts", attempts), logx.Err(last))
}

// finishFlight settles the flight and releases the single-flight slot.
func (s *Session) finishFlight(fl *flight, err error) {
	s.mu.Lock()
	if s.inflight == fl {
		s.inflight = nil
		s.bringCancel = nil
	}
	snap := s.statusLocked()
	s.mu.Unlock()
	fl.settle(snap, err)
}

func (s *Session) startTransport(ctx context.Context) error {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.transport.Initialize(ctx)
}

// teardownTransport destroys the handle best-effort. Failures are logged,
// never raised.
func (s *Session) teardownTransport(ctx context.Context) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if err := s.transport.Destroy(ctx); err != nil {
		s.log.Warn("transport teardown error", logx.Err(err))
	}
}

// reconnect handles a runtime error that knocked a connected session over:
// teardown, settle, re-initialize through the normal single-flight path.
func (s *Session) reconnect(ctx context.Context) {
	defer s.runWG.Done()
	s.teardownTransport(ctx)
	if !sleepCtx(ctx, s.t.ReconnectDelay) {
		return
	}
	if _, err := s.Initialize(ctx); err != nil {
		s.log.Error("reconnect failed", logx.Err(err))
	}
}

// sleepCtx sleeps for d unless ctx is done first. Returns false when the
// sleep was cut short.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
