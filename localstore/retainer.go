package localstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetention is the local retention horizon.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultSweepCron runs local retention daily at 03:00.
	DefaultSweepCron = "0 3 * * *"
)

// Sweeper removes records stored before a cutoff.
type Sweeper interface {
	Sweep(cutoff time.Time) (int, error)
}

// Retainer runs local retention on a cron schedule. It is entirely
// independent of remote expiry.
type Retainer struct {
	store        Sweeper
	cron         string
	retention    time.Duration
	timeProvider interfaces.TimeProvider

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	onSweep func(removed int)
}

// NewRetainer validates cron and creates a stopped retainer.
func NewRetainer(store Sweeper, cron string, retention time.Duration) (*Retainer, error) {
	if cron == "" {
		cron = DefaultSweepCron
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cron)
	}
	return &Retainer{
		store:        store,
		cron:         cron,
		retention:    retention,
		timeProvider: interfaces.DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider sets the clock used to compute cutoffs.
func (r *Retainer) SetTimeProvider(tp interfaces.TimeProvider) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.timeProvider = tp
}

// OnSweep registers a callback receiving the number of removed records.
func (r *Retainer) OnSweep(fn func(removed int)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onSweep = fn
}

// Start launches the schedule loop. Starting twice is a no-op.
func (r *Retainer) Start(ctx context.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"cron":      r.cron,
		"retention": r.retention.String(),
	}).Info("Local retention enabled")

	go r.scheduleLoop(loopCtx, r.done)
}

// Stop ends the schedule loop and waits for it to exit.
func (r *Retainer) Stop() {
	r.mutex.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mutex.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce sweeps immediately. Overlapping runs are skipped.
func (r *Retainer) RunOnce() (int, error) {
	r.mutex.Lock()
	if r.running {
		r.mutex.Unlock()
		return 0, nil
	}
	r.running = true
	cutoff := r.timeProvider.Now().Add(-r.retention)
	onSweep := r.onSweep
	r.mutex.Unlock()

	defer func() {
		r.mutex.Lock()
		r.running = false
		r.mutex.Unlock()
	}()

	removed, err := r.store.Sweep(cutoff)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RunOnce",
			"cutoff":   cutoff,
			"error":    err.Error(),
		}).Error("Local retention sweep failed")
		return removed, err
	}
	if onSweep != nil {
		onSweep(removed)
	}
	return removed, nil
}

func (r *Retainer) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(r.cron, time.Now(), false)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "scheduleLoop",
				"cron":     r.cron,
				"error":    err.Error(),
			}).Error("Failed to compute next retention tick")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			r.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}
