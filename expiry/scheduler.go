// Package expiry runs the recurring sweep that force-deletes remote messages
// past their hard TTL and converges interrupted deletions.
package expiry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

// Querier finds sweep candidates. interfaces.DocumentStore satisfies it.
type Querier interface {
	Query(ctx context.Context, f messaging.Filter) ([]*messaging.Message, error)
}

// Deleter is the single idempotent deletion path shared with the grace timer.
type Deleter interface {
	Delete(ctx context.Context, messageID string, reason messaging.DeleteReason) error
}

// Config holds scheduler settings.
type Config struct {
	// Interval between sweeps. Ignored when Cron is set.
	Interval time.Duration
	// Cron optionally schedules sweeps with a cron expression.
	Cron string
	// JitterPercent randomizes Interval by up to ±JitterPercent.
	JitterPercent int
	// MaxRetries is the number of consecutive failures after which a message
	// is reported as exhausted and its retry count starts over.
	MaxRetries int
	// DeletesPerSecond throttles deletions within a sweep; 0 is unlimited.
	DeletesPerSecond int
	// BatchSize caps candidates per category per sweep.
	BatchSize int
	// GraceWindow is the post-delivery grace before deletion.
	GraceWindow time.Duration
	// TombstoneGrace is how long a tombstone may linger before cleanup is retried.
	TombstoneGrace time.Duration
	// Owner is the local user. Scope decides which of the messages it can
	// see are swept; an empty Owner sweeps all.
	Owner string
	// Scope is one of ScopeParticipant, ScopeOwner or ScopeAll. Empty means
	// ScopeParticipant.
	Scope string
}

// Sweep scopes.
const (
	// ScopeParticipant sweeps messages the owner sent or receives, so an
	// expired message is removed even while its sender stays offline.
	ScopeParticipant = "participant"
	// ScopeOwner sweeps only messages the owner sent.
	ScopeOwner = "owner"
	// ScopeAll sweeps every message regardless of Owner.
	ScopeAll = "all"
)

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		JitterPercent:    10,
		MaxRetries:       5,
		DeletesPerSecond: 50,
		BatchSize:        500,
		GraceWindow:      30 * time.Second,
		TombstoneGrace:   time.Minute,
		Scope:            ScopeParticipant,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Cron == "" && c.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Interval)
	}
	if c.Cron != "" && !gronx.New().IsValid(c.Cron) {
		return fmt.Errorf("invalid sweep cron %q", c.Cron)
	}
	if c.JitterPercent < 0 || c.JitterPercent > 100 {
		return fmt.Errorf("jitter percent must be within [0,100], got %d", c.JitterPercent)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.DeletesPerSecond < 0 {
		return fmt.Errorf("deletes per second cannot be negative, got %d", c.DeletesPerSecond)
	}
	switch c.Scope {
	case "", ScopeParticipant, ScopeOwner, ScopeAll:
	default:
		return fmt.Errorf("unknown sweep scope %q", c.Scope)
	}
	return nil
}

// scoped restricts f to the messages this scheduler is responsible for.
func (c Config) scoped(f messaging.Filter) messaging.Filter {
	if c.Owner == "" {
		return f
	}
	switch c.Scope {
	case ScopeOwner:
		f.SenderID = c.Owner
	case ScopeAll:
	default:
		f.Participant = c.Owner
	}
	return f
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int
	Deleted   int
	Failed    int
	Exhausted int
	// QueryErrors counts candidate categories that could not be listed.
	QueryErrors int
	Duration    time.Duration
}

// Scheduler is an injectable service with its own Start/Stop lifecycle.
type Scheduler struct {
	mutex        sync.Mutex
	querier      Querier
	deleter      Deleter
	config       Config
	limiter      ratelimit.Limiter
	timeProvider interfaces.TimeProvider

	ledger   map[string]int
	running  bool
	sweeping bool
	stopChan chan struct{}
	done     chan struct{}
	onSweep  func(SweepReport)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(querier Querier, deleter Deleter, config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	limiter := ratelimit.NewUnlimited()
	if config.DeletesPerSecond > 0 {
		limiter = ratelimit.New(config.DeletesPerSecond, ratelimit.WithoutSlack)
	}
	return &Scheduler{
		querier:      querier,
		deleter:      deleter,
		config:       config,
		limiter:      limiter,
		timeProvider: interfaces.DefaultTimeProvider{},
		ledger:       make(map[string]int),
	}, nil
}

// SetTimeProvider sets the clock used to select candidates.
func (s *Scheduler) SetTimeProvider(tp interfaces.TimeProvider) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.timeProvider = tp
}

// OnSweep registers a callback invoked with every completed report.
func (s *Scheduler) OnSweep(fn func(SweepReport)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onSweep = fn
}

// Start begins the sweep schedule.
func (s *Scheduler) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": s.config.Interval.String(),
		"cron":     s.config.Cron,
	}).Info("Expiration scheduler started")

	go s.sweepLoop(s.stopChan, s.done)
}

// Stop halts the schedule and waits for an in-progress sweep to return.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mutex.Unlock()

	<-done
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Expiration scheduler stopped")
}

// IsRunning reports whether the schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}

func (s *Scheduler) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-time.After(s.nextWait()):
			s.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// nextWait returns the delay until the next sweep.
func (s *Scheduler) nextWait() time.Duration {
	if s.config.Cron != "" {
		now := time.Now()
		next, err := gronx.NextTickAfter(s.config.Cron, now, false)
		if err == nil {
			return next.Sub(now)
		}
		logrus.WithFields(logrus.Fields{
			"function": "nextWait",
			"cron":     s.config.Cron,
			"error":    err.Error(),
		}).Error("Failed to compute next sweep tick, falling back to interval")
	}
	return jittered(s.config.Interval, s.config.JitterPercent)
}

// jittered returns interval ±percent% with a cryptographically random offset.
func jittered(interval time.Duration, percent int) time.Duration {
	if interval <= 0 {
		return time.Hour
	}
	maxJitter := int64(float64(interval) * float64(percent) / 100.0)
	if maxJitter <= 0 {
		return interval
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*maxJitter))
	if err != nil {
		return interval
	}
	return interval + time.Duration(n.Int64()-maxJitter)
}

type candidate struct {
	id     string
	reason messaging.DeleteReason
}

// Sweep runs one pass. A failing message never aborts the pass; it is
// recorded in the retry ledger and retried on the next sweep. Overlapping
// calls return an empty report.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	s.mutex.Lock()
	if s.sweeping {
		s.mutex.Unlock()
		return SweepReport{}
	}
	s.sweeping = true
	now := s.timeProvider.Now()
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		s.sweeping = false
		s.mutex.Unlock()
	}()

	start := time.Now()
	var report SweepReport
	candidates := s.collect(ctx, now, &report)
	report.Scanned = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		s.limiter.Take()
		err := s.deleter.Delete(ctx, c.id, c.reason)
		s.record(c, err, &report)
	}

	report.Duration = time.Since(start)
	logrus.WithFields(logrus.Fields{
		"function":     "Sweep",
		"scanned":      report.Scanned,
		"deleted":      report.Deleted,
		"failed":       report.Failed,
		"exhausted":    report.Exhausted,
		"query_errors": report.QueryErrors,
		"duration":     report.Duration.String(),
	}).Info("Expiration sweep complete")

	s.mutex.Lock()
	onSweep := s.onSweep
	s.mutex.Unlock()
	if onSweep != nil {
		onSweep(report)
	}
	return report
}

func (s *Scheduler) collect(ctx context.Context, now time.Time, report *SweepReport) []candidate {
	categories := []struct {
		reason messaging.DeleteReason
		filter messaging.Filter
	}{
		{messaging.ReasonExpired, messaging.Filter{
			States:        []messaging.LifecycleState{messaging.StateActive, messaging.StatePendingDeletion},
			ExpiresBefore: now,
		}},
		{messaging.ReasonGraceElapsed, messaging.Filter{
			States:        []messaging.LifecycleState{messaging.StatePendingDeletion},
			PendingBefore: now.Add(-s.config.GraceWindow),
		}},
		{messaging.ReasonTombstone, messaging.Filter{
			States:        []messaging.LifecycleState{messaging.StateDeleted},
			DeletedBefore: now.Add(-s.config.TombstoneGrace),
		}},
	}

	seen := make(map[string]struct{})
	var out []candidate
	for _, cat := range categories {
		f := s.config.scoped(cat.filter)
		f.Limit = s.config.BatchSize
		msgs, err := s.querier.Query(ctx, f)
		if err != nil {
			report.QueryErrors++
			logrus.WithFields(logrus.Fields{
				"function": "collect",
				"reason":   string(cat.reason),
				"error":    err.Error(),
			}).Warn("Failed to list sweep candidates")
			continue
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, candidate{id: m.ID, reason: cat.reason})
		}
	}
	return out
}

func (s *Scheduler) record(c candidate, err error, report *SweepReport) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err == nil {
		report.Deleted++
		delete(s.ledger, c.id)
		return
	}

	report.Failed++
	s.ledger[c.id]++
	attempts := s.ledger[c.id]
	fields := logrus.Fields{
		"function":   "Sweep",
		"message_id": c.id,
		"reason":     string(c.reason),
		"attempt":    attempts,
		"error":      err.Error(),
	}
	if attempts >= s.config.MaxRetries {
		report.Exhausted++
		delete(s.ledger, c.id)
		logrus.WithFields(fields).Error("Remote delete retries exhausted, starting a new attempt cycle")
		return
	}
	logrus.WithFields(fields).Warn("Remote delete failed, will retry next sweep")
}

// Attempts returns the consecutive failure count recorded for messageID.
func (s *Scheduler) Attempts(messageID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.ledger[messageID]
}
