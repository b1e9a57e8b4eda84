package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

const expiryTagPrefix = "expiry:"

// SwapEngine is the part of the swap state machine driven by timers
type SwapEngine interface {
	Expire(ctx context.Context, swapID string) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
	CheckDeadlock(ctx context.Context) (int, error)
}

// QuotePurger drops expired fee quotes
type QuotePurger interface {
	PurgeExpired() int
}

// Scheduler runs the periodic sweeps and the per-swap expiry timers
type Scheduler struct {
	config config.Relayer
	engine SwapEngine
	quotes QuotePurger
	cron   *gocron.Scheduler

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler creates a scheduler. quotes may be nil.
func NewScheduler(cfg config.Relayer, engine SwapEngine, quotes QuotePurger) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	return &Scheduler{
		config: cfg,
		engine: engine,
		quotes: quotes,
		cron:   cron,
		ctx:    context.Background(),
	}
}

// Start registers the periodic jobs and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info("starting swap scheduler")

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if _, err := s.cron.Every(interval).WaitForSchedule().Tag("sweep").Do(s.sweep); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	if _, err := s.cron.Every(interval).WaitForSchedule().Tag("deadlock").Do(s.checkDeadlock); err != nil {
		return fmt.Errorf("failed to schedule deadlock check: %w", err)
	}
	if s.quotes != nil {
		if _, err := s.cron.Every(interval).WaitForSchedule().Tag("quotes").Do(s.purgeQuotes); err != nil {
			return fmt.Errorf("failed to schedule quote purge: %w", err)
		}
	}

	s.cron.StartAsync()
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	log.Info("stopping swap scheduler")
	s.cron.Stop()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) sweep() {
	expired, err := s.engine.SweepExpired(s.context())
	if err != nil {
		log.WithError(err).Warn("expiry sweep failed")
		return
	}
	if expired > 0 {
		log.WithField("count", expired).Info("expired swaps swept")
	}
}

func (s *Scheduler) checkDeadlock() {
	failed, err := s.engine.CheckDeadlock(s.context())
	if err != nil {
		log.WithError(err).Warn("deadlock check failed")
		return
	}
	if failed > 0 {
		log.WithField("count", failed).Warn("swaps failed on consensus deadlock")
	}
}

func (s *Scheduler) purgeQuotes() {
	if purged := s.quotes.PurgeExpired(); purged > 0 {
		log.WithField("count", purged).Debug("expired quotes purged")
	}
}

// ScheduleExpiry arms a one-shot timer expiring swapID at the given time.
// Scheduling the same swap again replaces the previous timer.
func (s *Scheduler) ScheduleExpiry(swapID string, at time.Time) error {
	tag := expiryTagPrefix + swapID
	s.CancelExpiry(swapID)

	delay := time.Until(at)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	_, err := s.cron.Every(delay).WaitForSchedule().LimitRunsTo(1).Tag(tag).Do(func() {
		expired, err := s.engine.Expire(s.context(), swapID)
		if err != nil {
			log.WithError(err).WithField("swap_id", swapID).Warn("scheduled expiry failed")
			return
		}
		if expired {
			log.WithField("swap_id", swapID).Info("swap expired")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule expiry of swap %s: %w", swapID, err)
	}

	log.WithFields(log.Fields{
		"swap_id": swapID,
		"at":      at.UTC().Format(time.RFC3339),
	}).Debug("swap expiry scheduled")
	return nil
}

// CancelExpiry removes a pending expiry timer, if any
func (s *Scheduler) CancelExpiry(swapID string) {
	_ = s.cron.RemoveByTag(expiryTagPrefix + swapID)
}

// PendingExpiries returns the number of armed expiry timers
func (s *Scheduler) PendingExpiries() int {
	count := 0
	for _, job := range s.cron.Jobs() {
		for _, tag := range job.Tags() {
			if strings.HasPrefix(tag, expiryTagPrefix) {
				count++
				break
			}
		}
	}
	return count
}
