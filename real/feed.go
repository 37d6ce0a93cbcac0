package real

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

// Sleeper provides an abstraction over time.Sleep for deterministic testing.
type Sleeper interface {
	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)
}

// DefaultSleeper implements Sleeper using the standard library time.Sleep.
type DefaultSleeper struct{}

// Sleep pauses execution for the specified duration using time.Sleep.
func (DefaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Feed is a websocket client for a sync Hub.
type Feed struct {
	config  *interfaces.FeedConfig
	dialer  *websocket.Dialer
	mu      sync.RWMutex
	sleeper Sleeper
}

// NewFeed creates a new websocket change feed.
func NewFeed(config *interfaces.FeedConfig) *Feed {
	logrus.WithFields(logrus.Fields{
		"function":      "NewFeed",
		"endpoint":      config.Endpoint,
		"dial_timeout":  config.DialTimeout,
		"dial_attempts": config.DialAttempts,
	}).Info("Creating websocket change feed")

	return &Feed{
		config:  config,
		dialer:  &websocket.Dialer{HandshakeTimeout: config.DialTimeout},
		sleeper: DefaultSleeper{},
	}
}

// SetSleeper sets a custom Sleeper implementation (primarily for testing).
func (f *Feed) SetSleeper(s Sleeper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeper = s
}

// IsSimulation implements interfaces.ChangeFeed.
func (f *Feed) IsSimulation() bool {
	return false
}

// Subscribe implements interfaces.ChangeFeed. The subscription ends when ctx
// is canceled, Close is called or the hub drops the connection.
func (f *Feed) Subscribe(ctx context.Context, userID string) (interfaces.Subscription, error) {
	target, err := subscribeURL(f.config.Endpoint, userID)
	if err != nil {
		return nil, err
	}

	conn, err := f.dialWithRetries(ctx, target)
	if err != nil {
		return nil, err
	}

	buffer := f.config.BufferSize
	if buffer <= 0 {
		buffer = 64
	}
	sub := &wsSubscription{
		conn:   conn,
		userID: userID,
		events: make(chan messaging.ChangeEvent, buffer),
		done:   make(chan struct{}),
	}
	go sub.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Feed.Subscribe",
		"user_id":  userID,
		"endpoint": f.config.Endpoint,
	}).Info("Subscribed to change feed")
	return sub, nil
}

func subscribeURL(endpoint, userID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse feed endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialWithRetries connects with linear backoff between attempts.
func (f *Feed) dialWithRetries(ctx context.Context, target string) (*websocket.Conn, error) {
	attempts := f.config.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, _, err := f.dialer.DialContext(ctx, target, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "Feed.Subscribe",
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("Feed dial attempt failed")
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			f.mu.RLock()
			sleeper := f.sleeper
			f.mu.RUnlock()
			sleeper.Sleep(time.Duration(500*(attempt+1)) * time.Millisecond)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Feed.Subscribe",
		"attempts": attempts,
		"error":    lastErr.Error(),
	}).Error("All feed dial attempts failed")
	return nil, fmt.Errorf("failed to connect to feed after %d attempts: %w", attempts, lastErr)
}

type wsSubscription struct {
	conn      *websocket.Conn
	userID    string
	events    chan messaging.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)
	for {
		var e messaging.ChangeEvent
		if err := s.conn.ReadJSON(&e); err != nil {
			select {
			case <-s.done:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "wsSubscription.readLoop",
					"user_id":  s.userID,
					"error":    err.Error(),
				}).Warn("Change feed connection lost")
				s.Close()
			}
			return
		}
		select {
		case s.events <- e:
		case <-s.done:
			return
		}
	}
}

// Events implements interfaces.Subscription.
func (s *wsSubscription) Events() <-chan messaging.ChangeEvent {
	return s.events
}

// Close implements interfaces.Subscription.
func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
