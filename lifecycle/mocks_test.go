package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/delivery"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/localstore"
	"github.com/opd-ai/ephemera/media"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/opd-ai/ephemera/remote"
	testsim "github.com/opd-ai/ephemera/testing"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// recordingObserver counts lifecycle signals.
type recordingObserver struct {
	mu          sync.Mutex
	sent        int
	sendFailed  []error
	received    int
	transitions map[messaging.LifecycleState]int
	mediaOK     int
	mediaFailed int
	duplicates  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{transitions: make(map[messaging.LifecycleState]int)}
}

func (o *recordingObserver) MessageSent(messaging.ContentType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
}

func (o *recordingObserver) SendFailed(kind error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sendFailed = append(o.sendFailed, kind)
}

func (o *recordingObserver) MessageReceived() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
}

func (o *recordingObserver) Transition(to messaging.LifecycleState, _ messaging.DeleteReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[to]++
}

func (o *recordingObserver) MediaCleanup(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.mediaFailed++
		return
	}
	o.mediaOK++
}

func (o *recordingObserver) DuplicateEvent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates++
}

func (o *recordingObserver) transitionCount(s messaging.LifecycleState) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions[s]
}

func (o *recordingObserver) duplicateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.duplicates
}

// recordingPush records push notifications.
type recordingPush struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPush) NotifyNewMessage(ctx context.Context, recipient string, m *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, recipient)
	return errors.New("push service offline")
}

func (p *recordingPush) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// failingLocalStore wraps a store and fails Put while failPut is set.
type failingLocalStore struct {
	LocalStore
	mu      sync.Mutex
	failPut bool
}

func (f *failingLocalStore) Put(rec *messaging.LocalRecord) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.LocalStore.Put(rec)
}

// world is a shared remote substrate.
type world struct {
	t     *testing.T
	feed  *testsim.SimulatedFeed
	docs  *remote.DocumentStore
	blobs *remote.BlobStore
	clock *mockTimeProvider
	grace time.Duration
}

func newWorld(t *testing.T, duplicateEvery int) *world {
	feed := testsim.NewSimulatedFeed(&interfaces.FeedConfig{
		UseSimulation:  true,
		DialTimeout:    time.Second,
		DuplicateEvery: duplicateEvery,
	})
	t.Cleanup(func() { feed.Close() })
	return &world{
		t:     t,
		feed:  feed,
		docs:  remote.NewDocumentStore(feed),
		blobs: remote.NewBlobStore(),
		clock: newMockTimeProvider(),
		grace: 50 * time.Millisecond,
	}
}

// device is one user's device participating in the world.
type device struct {
	user     string
	coord    *Coordinator
	tracker  *delivery.Tracker
	local    *localstore.Store
	observer *recordingObserver
}

func (w *world) device(user string, opts ...Option) *device {
	w.t.Helper()
	return w.deviceWithStore(user, nil, opts...)
}

func (w *world) deviceWithStore(user string, wrap func(LocalStore) LocalStore, opts ...Option) *device {
	w.t.Helper()
	store, err := localstore.Open(filepath.Join(w.t.TempDir(), user), user+"-phone")
	require.NoError(w.t, err)
	w.t.Cleanup(func() { store.Close() })

	var local LocalStore = store
	if wrap != nil {
		local = wrap(store)
	}

	tracker := delivery.NewTracker()
	obs := newRecordingObserver()
	mm := media.NewManager(w.blobs, time.Second, time.Second)
	mm.SetTimeProvider(w.clock)

	opts = append([]Option{WithObserver(obs), WithTimeProvider(w.clock)}, opts...)
	coord, err := NewCoordinator(Config{
		UserID:       user,
		DeviceID:     user + "-phone",
		GraceWindow:  w.grace,
		WriteTimeout: time.Second,
	}, w.docs, mm, tracker, local, opts...)
	require.NoError(w.t, err)
	w.t.Cleanup(func() { coord.Close() })

	return &device{user: user, coord: coord, tracker: tracker, local: store, observer: obs}
}

// online subscribes the device to the feed and consumes it in the background.
func (w *world) online(d *device) {
	w.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := w.feed.Subscribe(ctx, d.user)
	require.NoError(w.t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.coord.Consume(ctx, sub)
	}()
	w.t.Cleanup(func() {
		cancel()
		<-done
	})
}
