package localstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "local")
	s, err := Open(dir, "device-a")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func testRecord(id, chat string, created time.Time) *messaging.LocalRecord {
	return &messaging.LocalRecord{
		MessageID: id,
		ChatID:    chat,
		Message: &messaging.Message{
			ID:        id,
			ChatID:    chat,
			SenderID:  "alice",
			Content:   messaging.Text{Body: "body " + id},
			CreatedAt: created,
			ExpiresAt: created.Add(time.Hour),
			Delivery:  messaging.NewDeliveryState([]string{"bob"}),
			Version:   1,
		},
		StoredAt:   created,
		Provenance: messaging.SentByMe,
	}
}

func TestPutGetSurvivesReopen(t *testing.T) {
	s, dir := openTestStore(t)
	require.NoError(t, s.Put(testRecord("m1", "chat", t0)))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "device-a")
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "body m1", rec.Body())
	assert.Equal(t, "device-a", rec.DeviceID)
	assert.Equal(t, messaging.SentByMe, rec.Provenance)
}

func TestGetMissing(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestQueryOrdersByCreatedAt(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Put(testRecord("late", "chat", t0.Add(2*time.Minute))))
	require.NoError(t, s.Put(testRecord("early", "chat", t0)))
	require.NoError(t, s.Put(testRecord("mid", "chat", t0.Add(time.Minute))))
	require.NoError(t, s.Put(testRecord("other", "chat-2", t0)))

	recs, err := s.Query("chat")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "early", recs[0].MessageID)
	assert.Equal(t, "mid", recs[1].MessageID)
	assert.Equal(t, "late", recs[2].MessageID)
}

// Chat ids and message ids may contain the key separator.
func TestQueryKeepsNestedChatsApart(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Put(testRecord("a/1", "team", t0)))
	require.NoError(t, s.Put(testRecord("b/2", "team/ops", t0.Add(time.Minute))))
	require.NoError(t, s.Put(testRecord("c", "team/ops", t0)))

	team, err := s.Query("team")
	require.NoError(t, err)
	require.Len(t, team, 1)
	assert.Equal(t, "a/1", team[0].MessageID)

	ops, err := s.Query("team/ops")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "c", ops[0].MessageID)
	assert.Equal(t, "b/2", ops[1].MessageID)

	require.NoError(t, s.Delete("b/2"))
	ops, err = s.Query("team/ops")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "c", ops[0].MessageID)

	removed, err := s.Sweep(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = s.Get("a/1")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestPayloadIsStoredWithRecord(t *testing.T) {
	s, _ := openTestStore(t)
	data := []byte("\x89PNG\r\n\x1a\nimage")

	_, err := s.Payload("m1")
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	rec := testRecord("m1", "chat", t0)
	rec.Payload = data
	require.NoError(t, s.Put(rec))

	got, err := s.Payload("m1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Later puts without a payload and the remote deletion keep it.
	update := rec.Message.Clone()
	update.Version = 2
	require.NoError(t, s.Put(&messaging.LocalRecord{MessageID: "m1", ChatID: "chat", Message: update}))
	require.NoError(t, s.MarkRemoteDeleted("m1"))
	got, err = s.Payload("m1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete("m1"))
	_, err = s.Payload("m1")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestSweepRemovesPayloads(t *testing.T) {
	s, _ := openTestStore(t)
	rec := testRecord("m1", "chat", t0)
	rec.Payload = []byte("video")
	require.NoError(t, s.Put(rec))

	removed, err := s.Sweep(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = s.Payload("m1")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestPutKeepsContentWhenTombstoneArrives(t *testing.T) {
	s, _ := openTestStore(t)
	rec := testRecord("m1", "chat", t0)
	require.NoError(t, s.Put(rec))

	tomb := rec.Message.Clone()
	tomb.Apply(messaging.AdvanceTo(messaging.StateDeleted, t0.Add(time.Hour), 0))
	tomb.Version = 3
	require.NoError(t, s.Put(&messaging.LocalRecord{MessageID: "m1", ChatID: "chat", Message: tomb, StoredAt: t0.Add(time.Hour)}))

	got, err := s.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "body m1", got.Body())
	assert.True(t, got.RemoteDeletionObserved)
	assert.Equal(t, t0, got.StoredAt, "original storage time is kept")
}

func TestPutNewerVersionUpdatesReceipts(t *testing.T) {
	s, _ := openTestStore(t)
	rec := testRecord("m1", "chat", t0)
	require.NoError(t, s.Put(rec))

	update := rec.Message.Clone()
	update.Delivery["bob"] = messaging.Receipt{Delivered: true, DeliveredAt: t0}
	update.Version = 2
	require.NoError(t, s.Put(&messaging.LocalRecord{MessageID: "m1", ChatID: "chat", Message: update}))

	stale := rec.Message.Clone()
	require.NoError(t, s.Put(&messaging.LocalRecord{MessageID: "m1", ChatID: "chat", Message: stale}))

	got, err := s.Get("m1")
	require.NoError(t, err)
	assert.True(t, got.Message.Delivery["bob"].Delivered, "stale version must not win")
}

func TestMarkRemoteDeletedAndDelete(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Put(testRecord("m1", "chat", t0)))

	require.NoError(t, s.MarkRemoteDeleted("m1"))
	require.NoError(t, s.MarkRemoteDeleted("m1"))
	got, err := s.Get("m1")
	require.NoError(t, err)
	assert.True(t, got.RemoteDeletionObserved)
	assert.Equal(t, "body m1", got.Body())

	require.NoError(t, s.Delete("m1"))
	require.NoError(t, s.Delete("m1"), "delete is idempotent")
	recs, err := s.Query("chat")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSweepRemovesOnlyAgedRecords(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Put(testRecord("old", "chat", t0)))
	require.NoError(t, s.Put(testRecord("new", "chat", t0.Add(40*24*time.Hour))))

	removed, err := s.Sweep(t0.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get("old")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
	_, err = s.Get("new")
	assert.NoError(t, err)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(testRecord("m1", "chat", t0)), ErrClosed)
	_, err := s.Get("m1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Payload("m1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenWithTuning(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tuned")
	s, err := Open(dir, "device-a", WithCacheSize(1<<20), WithMemTableSize(4<<20))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(testRecord("m1", "chat-1", t0)))
	rec, err := s.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "body m1", rec.Body())
}
