// Package reminder runs the scheduled broadcast jobs: daily fee reminders
// and membership expiry reminders.
//
// It is deliberately outside the messaging core: it decides when reminders
// fire and what they say, then hands plain "send this text to this
// recipient" batches to the dispatcher.
package reminder

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gymbot/internal/storage"
	"gymbot/internal/wa"
	"gymbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone for the cron specs, default Asia/Karachi.
	Timezone string
	// FeeSpec and ExpirySpec are standard 5-field cron expressions.
	FeeSpec    string
	ExpirySpec string
	// ExpiryWindowDays is how far ahead the expiry job looks.
	ExpiryWindowDays int
	GymName          string
}

func (c Config) withDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = "Asia/Karachi"
	}
	if c.FeeSpec == "" {
		c.FeeSpec = "0 10 * * *"
	}
	if c.ExpirySpec == "" {
		c.ExpirySpec = "0 9 * * *"
	}
	if c.ExpiryWindowDays <= 0 {
		c.ExpiryWindowDays = 3
	}
	if c.GymName == "" {
		c.GymName = "Gym Management Team"
	}
	return c
}

// Store is the slice of the storage layer the jobs need.
type Store interface {
	CustomersWithPendingFees(ctx context.Context) ([]storage.Customer, error)
	CustomersExpiringWithin(ctx context.Context, now time.Time, days int) ([]storage.Customer, error)
	MarkFeeReminded(ctx context.Context, id int64, at time.Time) error
	MarkExpiryReminded(ctx context.Context, id int64, at time.Time) error
	AppendDelivery(ctx context.Context, d storage.DeliveryRecord) error
}

// StatusSource reports session readiness; a run is skipped when the
// session is not connected rather than queueing rejected sends.
type StatusSource interface {
	Status() wa.Status
}

// Broadcaster pushes one batch through the throttled dispatcher.
type Broadcaster interface {
	SendAll(ctx context.Context, recipients []wa.BulkRecipient, messageFor wa.MessageFunc) wa.Report
}

type Service struct {
	store   Store
	session StatusSource
	disp    Broadcaster
	log     logx.Logger

	mu     sync.Mutex
	cfg    Config
	cron   *cron.Cron
	runCtx context.Context
}

func New(cfg Config, store Store, session StatusSource, disp Broadcaster, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		session: session,
		disp:    disp,
		log:     log.With(logx.String("comp", "reminder")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	if !s.cfg.Enabled {
		s.log.Info("reminder jobs disabled")
		return nil
	}
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	if s.cron != nil {
		return nil
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.FeeSpec, func() { s.RunFeeReminders(s.currentCtx()) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.cfg.ExpirySpec, func() { s.RunExpiryReminders(s.currentCtx()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("reminder jobs scheduled",
		logx.String("tz", s.cfg.Timezone),
		logx.String("fee", s.cfg.FeeSpec),
		logx.String("expiry", s.cfg.ExpirySpec),
	)
	return nil
}

func (s *Service) currentCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	// cron.Stop returns a context that finishes when running jobs do.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reconfigures the schedules; the cron is restarted when needed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.cron != nil
	s.mu.Unlock()

	if !running && !cfg.Enabled {
		return nil
	}
	if running && old == cfg {
		return nil
	}

	s.Stop(context.Background())
	if !cfg.Enabled {
		s.log.Info("reminder jobs disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCronLocked()
}

// RunFeeReminders broadcasts a payment reminder to every customer with an
// outstanding balance. Also invoked manually through the HTTP surface.
func (s *Service) RunFeeReminders(ctx context.Context) {
	s.runBatch(ctx, "fee_reminder", func(now time.Time) ([]storage.Customer, error) {
		return s.store.CustomersWithPendingFees(ctx)
	}, func(c storage.Customer, now time.Time) string {
		return FeeReminderMessage(c, s.config().GymName)
	}, s.store.MarkFeeReminded)
}

// RunExpiryReminders broadcasts an expiry notice to customers whose
// membership ends within the configured window.
func (s *Service) RunExpiryReminders(ctx context.Context) {
	cfg := s.config()
	s.runBatch(ctx, "expiry_reminder", func(now time.Time) ([]storage.Customer, error) {
		return s.store.CustomersExpiringWithin(ctx, now, cfg.ExpiryWindowDays)
	}, func(c storage.Customer, now time.Time) string {
		return ExpiryReminderMessage(c, now, cfg.GymName)
	}, s.store.MarkExpiryReminded)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) runBatch(
	ctx context.Context,
	kind string,
	query func(now time.Time) ([]storage.Customer, error),
	message func(c storage.Customer, now time.Time) string,
	mark func(ctx context.Context, id int64, at time.Time) error,
) {
	log := s.log.With(logx.String("job", kind))

	if st := s.session.Status(); st.State != wa.StateConnected {
		log.Warn("session not connected, skipping run", logx.String("state", st.State.String()))
		return
	}

	now := time.Now()
	customers, err := query(now)
	if err != nil {
		log.Error("customer query failed", logx.Err(err))
		return
	}
	if len(customers) == 0 {
		log.Info("nothing to send")
		return
	}
	log.Info("run started", logx.Int("customers", len(customers)))

	byKey := make(map[string]storage.Customer, len(customers))
	recipients := make([]wa.BulkRecipient, 0, len(customers))
	for _, c := range customers {
		key := strconv.FormatInt(c.ID, 10)
		byKey[key] = c
		recipients = append(recipients, wa.BulkRecipient{Key: key, Name: c.Name, Phone: c.Phone})
	}

	rep := s.disp.SendAll(ctx, recipients, func(r wa.BulkRecipient) string {
		return message(byKey[r.Key], now)
	})

	for i, out := range rep.Outcomes {
		c := byKey[recipients[i].Key]
		if out.Status == wa.DeliverySent {
			if err := mark(ctx, c.ID, now); err != nil {
				log.Warn("reminder stamp failed", logx.Int64("customer", c.ID), logx.Err(err))
			}
		}
		rec := storage.DeliveryRecord{
			At:        now,
			Kind:      kind,
			Phone:     recipients[i].Phone,
			Canonical: out.Recipient.Canonical,
			Status:    out.Status.String(),
			MessageID: out.MessageID,
			Attempts:  out.Attempts,
			Err:       out.Err,
		}
		if out.ErrKind != wa.KindNone {
			rec.ErrKind = out.ErrKind.String()
		}
		if err := s.store.AppendDelivery(ctx, rec); err != nil {
			log.Warn("delivery log append failed", logx.Err(err))
		}
	}
	log.Info("run finished", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
}
