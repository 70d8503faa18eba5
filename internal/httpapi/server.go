// Package httpapi serves the daemon's REST surface: WhatsApp session
// control, manual sends, customer records, attendance and reports.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"gymbot/internal/storage"
	"gymbot/internal/wa"
	logx "gymbot/pkg/logx"
)

// SessionControl is the slice of the session the API drives.
type SessionControl interface {
	Status() wa.Status
	Initialize(ctx context.Context) (wa.Status, error)
	Disconnect(ctx context.Context)
	Restart(ctx context.Context) (wa.Status, error)
}

// Sender delivers one message with retries and reports the outcome.
type Sender interface {
	Send(ctx context.Context, rawPhone, text string) wa.Outcome
}

// Reminders exposes the scheduled jobs for manual triggering.
type Reminders interface {
	RunFeeReminders(ctx context.Context)
	RunExpiryReminders(ctx context.Context)
}

type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Deps struct {
	Log       logx.Logger
	Store     *storage.Store
	Session   SessionControl
	Sender    Sender
	Reminders Reminders
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	runCtx  context.Context
	runStop context.CancelFunc
}

func New(cfg Config, deps Deps) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Log.With(logx.String("comp", "httpapi"))}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/whatsapp/status", s.handleStatus)
	mux.HandleFunc("POST /api/whatsapp/initialize", s.handleInitialize)
	mux.HandleFunc("POST /api/whatsapp/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/whatsapp/restart", s.handleRestart)
	mux.HandleFunc("POST /api/whatsapp/send", s.handleSend)
	mux.HandleFunc("POST /api/whatsapp/validate-phone", s.handleValidatePhone)

	mux.HandleFunc("GET /api/customers", s.handleListCustomers)
	mux.HandleFunc("POST /api/customers", s.handleCreateCustomer)
	mux.HandleFunc("GET /api/customers/{id}", s.handleGetCustomer)
	mux.HandleFunc("PUT /api/customers/{id}", s.handleUpdateCustomer)
	mux.HandleFunc("DELETE /api/customers/{id}", s.handleDeleteCustomer)
	mux.HandleFunc("POST /api/customers/{id}/attendance", s.handleCheckIn)
	mux.HandleFunc("GET /api/customers/{id}/attendance", s.handleAttendance)

	mux.HandleFunc("GET /api/deliveries", s.handleDeliveries)
	mux.HandleFunc("GET /api/reports/summary", s.handleSummary)

	mux.HandleFunc("POST /api/reminders/fees/run", s.handleRunFeeReminders)
	mux.HandleFunc("POST /api/reminders/expiry/run", s.handleRunExpiryReminders)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return runCtx },
	}
	s.ln = ln
	s.srv = srv
	s.runCtx = runCtx
	s.runStop = cancel

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	stop := s.runStop
	s.srv = nil
	s.ln = nil
	s.runStop = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	if stop != nil {
		stop()
	}
	s.log.Info("http api stopped")
}

// backgroundCtx returns a context that outlives the triggering request
// but is cancelled when the server stops. Used for fire-and-forget jobs.
func (s *Server) backgroundCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}
