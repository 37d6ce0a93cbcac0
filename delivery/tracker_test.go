package delivery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func TestRegisterSnapshotsRecipients(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("m1", []string{"bob", "carol", "dave"}))

	snap, ok := tr.Snapshot("m1")
	require.True(t, ok)
	assert.Len(t, snap, 3)
	assert.False(t, tr.IsFullyDelivered("m1"))

	assert.ErrorIs(t, tr.Register("m1", []string{"bob"}), ErrAlreadyRegistered)
	assert.ErrorIs(t, tr.Register("m2", nil), messaging.ErrNoRecipients)

	snap["bob"] = messaging.Receipt{Delivered: true}
	fresh, _ := tr.Snapshot("m1")
	assert.False(t, fresh["bob"].Delivered, "snapshot must be a copy")
}

func TestMarkDeliveredIsMonotonic(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("m1", []string{"bob", "carol"}))

	changed, err := tr.MarkDelivered("m1", "bob", t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = tr.MarkDelivered("m1", "bob", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "redundant delivery is a no-op")

	snap, _ := tr.Snapshot("m1")
	assert.Equal(t, t0, snap["bob"].DeliveredAt)

	_, err = tr.MarkDelivered("m1", "mallory", t0)
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	_, err = tr.MarkDelivered("nope", "bob", t0)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("m1", []string{"bob"}))

	_, err := tr.MarkRead("m1", "bob", t0)
	require.NoError(t, err)
	assert.True(t, tr.IsFullyDelivered("m1"))

	snap, _ := tr.Snapshot("m1")
	assert.True(t, snap["bob"].Read)
	assert.True(t, snap["bob"].Delivered)
}

func TestPartialDeliveryNeverFires(t *testing.T) {
	tr := NewTracker()
	var fired int32
	tr.OnFullyDelivered(func(string, time.Time) { atomic.AddInt32(&fired, 1) })
	require.NoError(t, tr.Register("m1", []string{"bob", "carol", "dave"}))

	tr.MarkDelivered("m1", "bob", t0)
	tr.MarkDelivered("m1", "carol", t0)
	assert.False(t, tr.IsFullyDelivered("m1"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestConcurrentDeliveryFiresOnce(t *testing.T) {
	tr := NewTracker()
	var fired int32
	var firedAt time.Time
	tr.OnFullyDelivered(func(id string, at time.Time) {
		atomic.AddInt32(&fired, 1)
		firedAt = at
	})

	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("user-%d", i)
	}
	require.NoError(t, tr.Register("m1", recipients))

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for i, r := range recipients {
			wg.Add(1)
			go func(r string, i int) {
				defer wg.Done()
				if i%2 == 0 {
					tr.MarkRead("m1", r, t0.Add(time.Duration(i)*time.Second))
				} else {
					tr.MarkDelivered("m1", r, t0.Add(time.Duration(i)*time.Second))
				}
			}(r, i)
		}
	}
	wg.Wait()

	assert.True(t, tr.IsFullyDelivered("m1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, t0.Add(9*time.Second), firedAt)

	snap, _ := tr.Snapshot("m1")
	for _, r := range recipients {
		assert.True(t, snap[r].Delivered, r)
	}
}

func TestMergeAndRestore(t *testing.T) {
	tr := NewTracker()
	var fired int32
	tr.OnFullyDelivered(func(string, time.Time) { atomic.AddInt32(&fired, 1) })

	stored := messaging.DeliveryState{
		"bob":   {Delivered: true, DeliveredAt: t0},
		"carol": {},
	}
	tr.Restore("m1", stored)
	assert.False(t, tr.IsFullyDelivered("m1"))

	changed, err := tr.Merge("m1", messaging.DeliveryState{
		"carol":   {Delivered: true, DeliveredAt: t0},
		"mallory": {Delivered: true},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, tr.IsFullyDelivered("m1"))

	snap, _ := tr.Snapshot("m1")
	assert.Len(t, snap, 2, "merge never adds recipients")

	tr.Restore("m1", stored)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	_, err = tr.Merge("unknown", stored)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestRestoreFullyDeliveredFires(t *testing.T) {
	tr := NewTracker()
	var fired int32
	tr.OnFullyDelivered(func(string, time.Time) { atomic.AddInt32(&fired, 1) })
	tr.Restore("m1", messaging.DeliveryState{"bob": {Delivered: true, DeliveredAt: t0}})
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestForget(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("m1", []string{"bob"}))
	assert.Equal(t, 1, tr.Len())
	tr.Forget("m1")
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.IsFullyDelivered("m1"))
}
