// Package localstore is the per-device durable message cache. Records survive
// process restarts and remote deletion; only local retention removes them.
package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

// Key layout:
//
//	rec/<messageID>                                      -> JSON LocalRecord
//	payload/<messageID>                                  -> media bytes
//	chat/<len(chatID)>:<chatID>/<createdAt>/<messageID>  -> messageID (history)
//	stored/<storedAt>/<messageID>                        -> messageID (retention)
//
// Timestamps are zero-padded unix nanoseconds so byte order is time order.
// The chat id is length-prefixed so one chat's prefix never covers another's.
const (
	recordPrefix  = "rec/"
	payloadPrefix = "payload/"
	chatPrefix    = "chat/"
	storedPrefix  = "stored/"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("local store closed")

// Store is a pebble-backed LocalRecord store. It is single-writer per device.
type Store struct {
	mu       sync.Mutex
	db       *pebble.DB
	deviceID string
	path     string
}

// Option tunes the underlying pebble database.
type Option func(*openOptions)

type openOptions struct {
	cacheSize    int64
	memTableSize uint64
}

// WithCacheSize sets the block cache size in bytes.
func WithCacheSize(bytes int64) Option {
	return func(o *openOptions) { o.cacheSize = bytes }
}

// WithMemTableSize sets the memtable size in bytes.
func WithMemTableSize(bytes uint64) Option {
	return func(o *openOptions) { o.memTableSize = bytes }
}

// Open opens or creates the store at path for deviceID.
func Open(path, deviceID string, opts ...Option) (*Store, error) {
	var oo openOptions
	for _, opt := range opts {
		opt(&oo)
	}

	pebbleOpts := &pebble.Options{}
	if oo.cacheSize > 0 {
		cache := pebble.NewCache(oo.cacheSize)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}
	if oo.memTableSize > 0 {
		pebbleOpts.MemTableSize = oo.memTableSize
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to open local store")
		return nil, fmt.Errorf("open local store %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Open",
		"path":      path,
		"device_id": deviceID,
	}).Info("Local store opened")

	return &Store{db: db, deviceID: deviceID, path: path}, nil
}

// DeviceID returns the device this store belongs to.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// Put durably writes rec. If a record for the message already exists the two
// are merged: the newest message version wins unless it is a tombstone, the
// full text and original StoredAt are kept, and RemoteDeletionObserved never
// reverts. A non-empty rec.Payload is written in the same batch and replaces
// nothing else. Put never consults the remote store.
func (s *Store) Put(rec *messaging.LocalRecord) error {
	if rec == nil || rec.MessageID == "" {
		return fmt.Errorf("%w: record requires a message id", messaging.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}

	incoming := *rec
	if incoming.DeviceID == "" {
		incoming.DeviceID = s.deviceID
	}
	if incoming.Message != nil {
		incoming.Message = incoming.Message.Clone()
	}

	existing, err := s.getLocked(incoming.MessageID)
	switch {
	case err == nil:
		incoming = mergeRecords(existing, &incoming)
	case !messaging.IsNotFound(err):
		return err
	}

	value, err := json.Marshal(&incoming)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", incoming.MessageID, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(recordKey(incoming.MessageID), value, nil); err != nil {
		return err
	}
	if len(rec.Payload) > 0 {
		if err := batch.Set(payloadKey(incoming.MessageID), rec.Payload, nil); err != nil {
			return err
		}
	}
	if existing == nil {
		id := []byte(incoming.MessageID)
		if err := batch.Set(chatKey(incoming.ChatID, createdAt(&incoming), incoming.MessageID), id, nil); err != nil {
			return err
		}
		if err := batch.Set(storedKey(incoming.StoredAt, incoming.MessageID), id, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Put",
			"message_id": incoming.MessageID,
			"error":      err.Error(),
		}).Error("Local write failed")
		return fmt.Errorf("commit record %s: %w", incoming.MessageID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Put",
		"message_id": incoming.MessageID,
		"chat_id":    incoming.ChatID,
		"provenance": incoming.Provenance.String(),
		"payload":    len(rec.Payload),
		"update":     existing != nil,
	}).Debug("Local record stored")
	return nil
}

func mergeRecords(old, incoming *messaging.LocalRecord) messaging.LocalRecord {
	out := *old
	if incoming.Message != nil && (out.Message == nil || incoming.Message.Version >= out.Message.Version) {
		if incoming.Message.Lifecycle == messaging.StateDeleted && out.Message != nil {
			out.RemoteDeletionObserved = true
		} else {
			out.Message = incoming.Message
		}
	}
	if out.Text == "" {
		out.Text = incoming.Text
	}
	if out.PeerID == "" {
		out.PeerID = incoming.PeerID
	}
	out.RemoteDeletionObserved = out.RemoteDeletionObserved || incoming.RemoteDeletionObserved
	return out
}

// Get returns the record for messageID or an error wrapping
// messaging.ErrNotFound.
func (s *Store) Get(messageID string) (*messaging.LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.getLocked(messageID)
}

func (s *Store) getLocked(messageID string) (*messaging.LocalRecord, error) {
	v, closer, err := s.db.Get(recordKey(messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("local record %s: %w", messageID, messaging.ErrNotFound)
		}
		return nil, fmt.Errorf("read local record %s: %w", messageID, err)
	}
	defer closer.Close()

	var rec messaging.LocalRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode local record %s: %w", messageID, err)
	}
	return &rec, nil
}

// Payload returns the media bytes cached for messageID, or an error wrapping
// messaging.ErrNotFound when none were stored.
func (s *Store) Payload(messageID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	v, closer, err := s.db.Get(payloadKey(messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("payload %s: %w", messageID, messaging.ErrNotFound)
		}
		return nil, fmt.Errorf("read payload %s: %w", messageID, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Query returns the records of a chat ordered by message creation time.
func (s *Store) Query(chatID string) ([]*messaging.LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	prefix := chatIndexPrefix(chatID)
	ids, err := s.scanIDs(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}

	out := make([]*messaging.LocalRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.getLocked(id)
		if messaging.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkRemoteDeleted records that the remote copy of a message is gone.
func (s *Store) MarkRemoteDeleted(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	rec, err := s.getLocked(messageID)
	if err != nil {
		return err
	}
	if rec.RemoteDeletionObserved {
		return nil
	}
	rec.RemoteDeletionObserved = true
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(recordKey(messageID), value, pebble.Sync)
}

// Delete removes a record and its index entries. Deleting a missing record is
// a no-op. Remote lifecycle events never call this.
func (s *Store) Delete(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	rec, err := s.getLocked(messageID)
	if messaging.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.deleteLocked(rec)
}

func (s *Store) deleteLocked(rec *messaging.LocalRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(recordKey(rec.MessageID), nil); err != nil {
		return err
	}
	if err := batch.Delete(payloadKey(rec.MessageID), nil); err != nil {
		return err
	}
	if err := batch.Delete(chatKey(rec.ChatID, createdAt(rec), rec.MessageID), nil); err != nil {
		return err
	}
	if err := batch.Delete(storedKey(rec.StoredAt, rec.MessageID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Sweep deletes every record stored before cutoff and returns how many were
// removed. A record that fails to delete is logged and skipped.
func (s *Store) Sweep(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	lower := []byte(storedPrefix)
	upper := []byte(storedPrefix + nanos(cutoff))
	ids, err := s.scanIDs(lower, upper)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		rec, err := s.getLocked(id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": id,
				"error":      err.Error(),
			}).Warn("Skipping unreadable record")
			continue
		}
		if err := s.deleteLocked(rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": id,
				"error":      err.Error(),
			}).Warn("Failed to delete aged record")
			continue
		}
		removed++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sweep",
		"cutoff":   cutoff,
		"scanned":  len(ids),
		"removed":  removed,
	}).Info("Local retention sweep complete")
	return removed, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	prefix := []byte(recordPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close flushes and closes the store. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// scanIDs returns the message ids held by the index entries in [lower, upper).
func (s *Store) scanIDs(lower, upper []byte) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	return ids, iter.Error()
}

func createdAt(rec *messaging.LocalRecord) time.Time {
	if rec.Message != nil && !rec.Message.CreatedAt.IsZero() {
		return rec.Message.CreatedAt
	}
	return rec.StoredAt
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

func payloadKey(id string) []byte {
	return []byte(payloadPrefix + id)
}

func chatIndexPrefix(chatID string) []byte {
	return []byte(chatPrefix + strconv.Itoa(len(chatID)) + ":" + chatID + "/")
}

func chatKey(chatID string, at time.Time, id string) []byte {
	return append(chatIndexPrefix(chatID), nanos(at)+"/"+id...)
}

func storedKey(at time.Time, id string) []byte {
	return []byte(storedPrefix + nanos(at) + "/" + id)
}

func nanos(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	s := strconv.FormatInt(n, 10)
	const width = 20
	if len(s) < width {
		s = string(bytes.Repeat([]byte("0"), width-len(s))) + s
	}
	return s
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
