package ephemera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/ephemera/config"
	"github.com/opd-ai/ephemera/delivery"
	"github.com/opd-ai/ephemera/expiry"
	"github.com/opd-ai/ephemera/factory"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/lifecycle"
	"github.com/opd-ai/ephemera/localstore"
	"github.com/opd-ai/ephemera/media"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/opd-ai/ephemera/metrics"
	"github.com/sirupsen/logrus"
)

// Dependencies are the remote collaborators a Node talks to.
type Dependencies struct {
	Documents interfaces.DocumentStore
	Blobs     interfaces.BlobStore
	// Feed is optional; when nil one is created from the sync config.
	Feed interfaces.ChangeFeed
	// Push is optional.
	Push interfaces.PushNotifier
	// Clock is optional and defaults to the system clock.
	Clock interfaces.TimeProvider
}

// Node is one device: a lifecycle coordinator and the background services
// around it.
type Node struct {
	cfg     *config.Config
	deps    Dependencies
	local   *localstore.Store
	tracker *delivery.Tracker
	media   *media.Manager
	coord   *lifecycle.Coordinator
	sweeper *expiry.Scheduler
	retain  *localstore.Retainer
	metrics *metrics.Collector
	server  *metrics.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sub     interfaces.Subscription
	ln      net.Listener
	wg      sync.WaitGroup
}

// New wires a node from cfg. The node is idle until Start.
func New(cfg *config.Config, deps Dependencies) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Documents == nil || deps.Blobs == nil {
		return nil, errors.New("document and blob stores are required")
	}
	if deps.Clock == nil {
		deps.Clock = interfaces.DefaultTimeProvider{}
	}
	if deps.Feed == nil {
		feed, err := factory.NewFeedFactoryWithConfig(cfg.FeedConfig()).CreateFeed()
		if err != nil {
			return nil, fmt.Errorf("create change feed: %w", err)
		}
		deps.Feed = feed
	}

	local, err := localstore.Open(cfg.Local.Path, cfg.Device.ID,
		localstore.WithCacheSize(cfg.Local.CacheSize.Int64()))
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		deps:    deps,
		local:   local,
		tracker: delivery.NewTracker(),
		metrics: metrics.NewCollector(),
	}
	if err := n.wire(); err != nil {
		local.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) wire() error {
	n.media = media.NewManager(n.deps.Blobs,
		n.cfg.Lifecycle.UploadTimeout.Duration(), n.cfg.Lifecycle.WriteTimeout.Duration())
	n.media.SetTimeProvider(n.deps.Clock)

	opts := []lifecycle.Option{
		lifecycle.WithObserver(n.metrics),
		lifecycle.WithTimeProvider(n.deps.Clock),
	}
	if n.deps.Push != nil {
		opts = append(opts, lifecycle.WithPushNotifier(n.deps.Push))
	}
	coord, err := lifecycle.NewCoordinator(n.cfg.LifecycleConfig(), n.deps.Documents, n.media, n.tracker, n.local, opts...)
	if err != nil {
		return err
	}
	n.coord = coord

	n.sweeper, err = expiry.NewScheduler(n.deps.Documents, coord, n.cfg.ExpiryConfig())
	if err != nil {
		coord.Close()
		return err
	}
	n.sweeper.SetTimeProvider(n.deps.Clock)
	n.sweeper.OnSweep(n.metrics.ObserveSweep)

	n.retain, err = localstore.NewRetainer(n.local, n.cfg.Local.SweepCron, n.cfg.Local.Retention.Duration())
	if err != nil {
		coord.Close()
		return err
	}
	n.retain.SetTimeProvider(n.deps.Clock)
	n.retain.OnSweep(n.metrics.ObserveRetention)

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"pending_grace_timers", "Grace timers currently armed.", func() float64 { return float64(coord.PendingTimers()) }},
		{"tracked_messages", "Messages whose delivery is being tracked.", func() float64 { return float64(n.tracker.Len()) }},
		{"uploads_in_flight", "Media uploads in progress.", func() float64 { return float64(n.media.InFlight()) }},
	}
	for _, g := range gauges {
		if err := n.metrics.RegisterGauge(g.name, g.help, g.fn); err != nil {
			coord.Close()
			return err
		}
	}

	if n.cfg.Metrics.Listen != "" {
		n.server = metrics.NewServer(n.cfg.Metrics.Listen, n.metrics.Registry())
	}
	return nil
}

// Start recovers state, subscribes to the change feed and starts the
// expiry sweeper, local retention and the metrics endpoint.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	restored, err := n.coord.Recover(ctx)
	if err != nil {
		return err
	}

	// Background work outlives ctx; Stop ends it.
	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := n.deps.Feed.Subscribe(runCtx, n.cfg.Device.UserID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	n.sub, n.cancel = sub, cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.coord.Consume(runCtx, sub); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function": "Node.Start",
				"user_id":  n.cfg.Device.UserID,
				"error":    err.Error(),
			}).Warn("Change feed consumer stopped")
		}
	}()

	n.sweeper.Start()
	n.retain.Start(runCtx)

	if n.server != nil {
		ln, err := net.Listen("tcp", n.cfg.Metrics.Listen)
		if err != nil {
			n.stopBackground()
			return fmt.Errorf("metrics listen: %w", err)
		}
		n.ln = ln
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Node.Start",
					"listen":   n.cfg.Metrics.Listen,
					"error":    err.Error(),
				}).Error("Metrics endpoint failed")
			}
		}()
	}

	n.running = true
	logrus.WithFields(logrus.Fields{
		"function":   "Node.Start",
		"user_id":    n.cfg.Device.UserID,
		"device_id":  n.cfg.Device.ID,
		"restored":   restored,
		"simulation": n.deps.Feed.IsSimulation(),
	}).Info("Node started")
	return nil
}

// Stop shuts the node down in reverse start order and closes the local store.
// A stopped node cannot be restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		if n.server != nil {
			if err := n.server.Shutdown(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Node.Stop",
					"error":    err.Error(),
				}).Warn("Metrics endpoint shutdown failed")
			}
			n.ln.Close()
		}
		n.stopBackground()
		n.running = false
	}

	if err := n.coord.Close(); err != nil {
		return err
	}
	aborted := n.media.Abort()
	err := n.local.Close()

	logrus.WithFields(logrus.Fields{
		"function":        "Node.Stop",
		"user_id":         n.cfg.Device.UserID,
		"aborted_uploads": aborted,
	}).Info("Node stopped")
	return err
}

func (n *Node) stopBackground() {
	n.retain.Stop()
	n.sweeper.Stop()
	n.cancel()
	n.sub.Close()
	n.wg.Wait()
}

// Send sends a message into chat.
func (n *Node) Send(ctx context.Context, chat messaging.Chat, content messaging.Content, payload []byte) (string, error) {
	return n.coord.SendMessage(ctx, lifecycle.DraftFor(chat, n.cfg.Device.UserID, content, payload))
}

// MarkRead records a read receipt for a received message.
func (n *Node) MarkRead(ctx context.Context, messageID string) error {
	return n.coord.OnMessageRead(ctx, messageID)
}

// History returns the local view of chatID.
func (n *Node) History(chatID string) ([]*messaging.LocalRecord, error) {
	return n.coord.History(chatID)
}

// Attachment returns the media bytes this device holds for a message. They
// remain readable after the remote blob is deleted.
func (n *Node) Attachment(messageID string) ([]byte, error) {
	return n.coord.Attachment(messageID)
}

// DeliveryStatus returns the tracked receipts of a sent message.
func (n *Node) DeliveryStatus(messageID string) (messaging.DeliveryState, bool) {
	return n.coord.DeliveryStatus(messageID)
}

// SweepNow runs one expiry sweep immediately.
func (n *Node) SweepNow(ctx context.Context) expiry.SweepReport {
	return n.sweeper.Sweep(ctx)
}

// Coordinator exposes the lifecycle coordinator.
func (n *Node) Coordinator() *lifecycle.Coordinator {
	return n.coord
}

// Metrics exposes the metrics collector.
func (n *Node) Metrics() *metrics.Collector {
	return n.metrics
}
