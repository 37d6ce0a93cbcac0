// Package remote provides in-memory implementations of the shared remote
// collaborators: a versioned document store and a blob store.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

// DocumentStore is an in-memory interfaces.DocumentStore with optimistic
// versioning. Every committed change is handed to the publisher, in order,
// while the store lock is held.
type DocumentStore struct {
	mutex       sync.RWMutex
	docs        map[string]*messaging.Message
	senderIndex map[string]map[string]struct{}
	publisher   interfaces.Publisher
	faults      *Faults
}

// NewDocumentStore creates an empty store. publisher may be nil.
func NewDocumentStore(publisher interfaces.Publisher) *DocumentStore {
	return &DocumentStore{
		docs:        make(map[string]*messaging.Message),
		senderIndex: make(map[string]map[string]struct{}),
		publisher:   publisher,
		faults:      NewFaults(),
	}
}

// Faults exposes failure injection for this store.
func (s *DocumentStore) Faults() *Faults {
	return s.faults
}

// SetPublisher replaces the change publisher.
func (s *DocumentStore) SetPublisher(p interfaces.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publisher = p
}

// Create stores m at version 1.
func (s *DocumentStore) Create(ctx context.Context, m *messaging.Message) (*messaging.Message, error) {
	if err := s.enter(ctx, OpCreate); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.docs[m.ID]; exists {
		return nil, fmt.Errorf("document %s: %w", m.ID, messaging.ErrAlreadyExists)
	}

	doc := m.Clone()
	doc.Version = 1
	s.docs[doc.ID] = doc
	if s.senderIndex[doc.SenderID] == nil {
		s.senderIndex[doc.SenderID] = make(map[string]struct{})
	}
	s.senderIndex[doc.SenderID][doc.ID] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"message_id": doc.ID,
		"chat_id":    doc.ChatID,
		"recipients": len(doc.Delivery),
	}).Debug("Document created")

	s.publish(messaging.ChangeCreated, doc)
	return doc.Clone(), nil
}

// Get returns a copy of the stored document.
func (s *DocumentStore) Get(ctx context.Context, id string) (*messaging.Message, error) {
	if err := s.enter(ctx, OpGet); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, fmt.Errorf("document %s: %w", id, messaging.ErrNotFound)
	}
	return doc.Clone(), nil
}

// Update applies p with compare-and-set semantics when p.ExpectedVersion is set.
func (s *DocumentStore) Update(ctx context.Context, id string, p messaging.Patch) (*messaging.Message, error) {
	if err := s.enter(ctx, OpUpdate); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, fmt.Errorf("document %s: %w", id, messaging.ErrNotFound)
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != doc.Version {
		return nil, fmt.Errorf("document %s at version %d, expected %d: %w",
			id, doc.Version, p.ExpectedVersion, messaging.ErrConflict)
	}

	if doc.Apply(p) {
		doc.Version++
		s.publish(messaging.ChangeUpdated, doc)
	}
	return doc.Clone(), nil
}

// Delete purges the document.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return fmt.Errorf("document %s: %w", id, messaging.ErrNotFound)
	}
	delete(s.docs, id)
	if idx := s.senderIndex[doc.SenderID]; idx != nil {
		delete(idx, id)
		if len(idx) == 0 {
			delete(s.senderIndex, doc.SenderID)
		}
	}

	doc.Version++
	s.publish(messaging.ChangeDeleted, doc)
	return nil
}

// Query returns copies of the documents matching f ordered by creation time.
func (s *DocumentStore) Query(ctx context.Context, f messaging.Filter) ([]*messaging.Message, error) {
	if err := s.enter(ctx, OpQuery); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*messaging.Message
	collect := func(doc *messaging.Message) {
		if f.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	if f.SenderID != "" {
		for id := range s.senderIndex[f.SenderID] {
			collect(s.docs[id])
		}
	} else {
		for _, doc := range s.docs {
			collect(doc)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored documents, tombstones included.
func (s *DocumentStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.docs)
}

func (s *DocumentStore) enter(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.faults.take(op)
}

func (s *DocumentStore) publish(kind messaging.ChangeKind, doc *messaging.Message) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(messaging.ChangeEvent{
		Kind:      kind,
		MessageID: doc.ID,
		Version:   doc.Version,
		Message:   doc.Clone(),
	})
}
