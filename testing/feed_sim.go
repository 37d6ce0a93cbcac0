package testing

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

// ErrFeedClosed is returned when subscribing to a closed feed.
var ErrFeedClosed = errors.New("feed closed")

// DeliveryRecord represents one event handed to one subscriber, for test
// verification.
type DeliveryRecord struct {
	UserID    string
	Key       string
	Duplicate bool
}

// SimulatedFeed is an in-process ChangeFeed and Publisher. Delivery is
// at-least-once: with DuplicateEvery set, every Nth published event is
// delivered twice.
type SimulatedFeed struct {
	mu          sync.Mutex
	config      *interfaces.FeedConfig
	subs        map[*simSubscription]struct{}
	published   int
	deliveryLog []DeliveryRecord
	closed      bool
}

// NewSimulatedFeed creates a new simulation feed for testing
func NewSimulatedFeed(config *interfaces.FeedConfig) *SimulatedFeed {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function":        "NewSimulatedFeed",
		"duplicate_every": config.DuplicateEvery,
	}).Info("Creating simulated change feed")

	return &SimulatedFeed{
		config: config,
		subs:   make(map[*simSubscription]struct{}),
	}
}

// Subscribe implements interfaces.ChangeFeed.
func (f *SimulatedFeed) Subscribe(ctx context.Context, userID string) (interfaces.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}

	sub := newSimSubscription(f, userID, f.config.BufferSize)
	f.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":      "SimulatedFeed.Subscribe",
		"user_id":       userID,
		"subscriptions": len(f.subs),
	}).Info("Subscriber added to simulation")
	return sub, nil
}

// Publish implements interfaces.Publisher. It never blocks on slow
// subscribers.
func (f *SimulatedFeed) Publish(e messaging.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.published++
	duplicate := f.config.DuplicateEvery > 0 && f.published%f.config.DuplicateEvery == 0
	participants := e.Participants()

	for sub := range f.subs {
		if !concerns(participants, sub.userID) {
			continue
		}
		sub.enqueue(e)
		f.deliveryLog = append(f.deliveryLog, DeliveryRecord{UserID: sub.userID, Key: e.Key()})
		if duplicate {
			sub.enqueue(e)
			f.deliveryLog = append(f.deliveryLog, DeliveryRecord{UserID: sub.userID, Key: e.Key(), Duplicate: true})
		}
	}
}

func concerns(participants []string, userID string) bool {
	if len(participants) == 0 {
		return true
	}
	for _, p := range participants {
		if p == userID {
			return true
		}
	}
	return false
}

// IsSimulation implements interfaces.ChangeFeed.
func (f *SimulatedFeed) IsSimulation() bool {
	return true
}

// DeliveryLog returns a copy of every delivery made so far.
func (f *SimulatedFeed) DeliveryLog() []DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeliveryRecord(nil), f.deliveryLog...)
}

// Close ends every subscription.
func (f *SimulatedFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := make([]*simSubscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (f *SimulatedFeed) remove(s *simSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
}

// simSubscription buffers events in an unbounded queue and pumps them into
// its channel in order.
type simSubscription struct {
	feed   *SimulatedFeed
	userID string
	out    chan messaging.ChangeEvent

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []messaging.ChangeEvent
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newSimSubscription(feed *SimulatedFeed, userID string, buffer int) *simSubscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &simSubscription{
		feed:   feed,
		userID: userID,
		out:    make(chan messaging.ChangeEvent, buffer),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *simSubscription) enqueue(e messaging.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
}

func (s *simSubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

// Events implements interfaces.Subscription.
func (s *simSubscription) Events() <-chan messaging.ChangeEvent {
	return s.out
}

// Close implements interfaces.Subscription.
func (s *simSubscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
		s.feed.remove(s)
	})
	return nil
}
