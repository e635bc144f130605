package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	byAS4ID  map[string]string
	payloads map[string]*PayloadData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		byAS4ID:  make(map[string]string),
		payloads: make(map[string]*PayloadData),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAS4ID[msg.AS4MessageID]; ok && msg.AS4MessageID != "" {
		return ErrDuplicateMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	c := *msg
	s.messages[c.ID] = &c
	if c.AS4MessageID != "" {
		s.byAS4ID[c.AS4MessageID] = c.ID
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

func (s *MemoryStore) GetMessageByAS4ID(ctx context.Context, as4MessageID string) (*Message, error) {
	s.mu.RLock()
	id, ok := s.byAS4ID[as4MessageID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = update.Status
	if update.ResponseMessageID != "" {
		msg.ResponseMessageID = update.ResponseMessageID
	}
	if !update.At.IsZero() {
		at := update.At
		msg.RespondedAt = &at
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filter *MessageFilter) ([]*Message, error) {
	s.mu.RLock()
	var out []*Message
	for _, msg := range s.messages {
		if filter.Matches(msg) {
			c := *msg
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(out) {
				return nil, nil
			}
			out = out[filter.Offset:]
		}
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, filter *MessageFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, msg := range s.messages {
		if filter.Matches(msg) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) StorePayload(_ context.Context, payload *PayloadData) (string, error) {
	if payload.Checksum == "" {
		payload.Checksum = Checksum(payload.Data)
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	c := *payload
	c.Data = append([]byte(nil), payload.Data...)

	s.mu.Lock()
	s.payloads[c.ID] = &c
	s.mu.Unlock()
	return c.ID, nil
}

func (s *MemoryStore) GetPayload(_ context.Context, id string) (*PayloadData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) DeletePayload(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[id]; !ok {
		return ErrNotFound
	}
	delete(s.payloads, id)
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Checksum returns the hex encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
