package client

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sittitep/tradetalk/wire"
)

type receiptKey struct {
	userID    string
	messageID string
}

// MessageStore merges a point-in-time history fetch with a live frame
// stream into one ordered, deduplicated view. Entries are keyed by
// message id; the observed sequence is the values sorted by created_at
// ascending, so history and live pushes may race in either order.
type MessageStore struct {
	mu       sync.RWMutex
	byID     map[string]*wire.Message
	receipts map[receiptKey]wire.ReadReceipt
	logger   *slog.Logger
}

func NewMessageStore(logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		byID:     make(map[string]*wire.Message),
		receipts: make(map[receiptKey]wire.ReadReceipt),
		logger:   logger,
	}
}

// SeedHistory inserts a historical page. A history fetch is a
// point-in-time snapshot and may land after live edits for the same
// ids; entries already in the store keep their live copy.
func (s *MessageStore) SeedHistory(messages []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range messages {
		m := messages[i]
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.byID[m.ID] = &m
	}
}

// Upsert inserts or replaces a message by id.
func (s *MessageStore) Upsert(m wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = &m
}

func (s *MessageStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

func (s *MessageStore) Get(id string) (wire.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return wire.Message{}, false
	}
	return *m, true
}

// InsertProvisional inserts an optimistic entry under a temporary
// client-generated id ahead of server confirmation.
func (s *MessageStore) InsertProvisional(m wire.Message) {
	m.Optimistic = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = &m
}

// Confirm atomically replaces the provisional entry with the
// server-issued one: the temp key is deleted and the real key inserted
// under one lock, so no reader ever observes both.
func (s *MessageStore) Confirm(tempID string, confirmed wire.Message) {
	confirmed.Optimistic = false
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tempID]; !ok {
		// The live push may have landed first; still upsert the entity.
		s.byID[confirmed.ID] = &confirmed
		return
	}
	delete(s.byID, tempID)
	s.byID[confirmed.ID] = &confirmed
}

// Reject removes a provisional entry whose durable create failed. The
// message is considered never sent.
func (s *MessageStore) Reject(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, tempID)
}

func (s *MessageStore) ApplyReaction(p wire.ReactionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[p.MessageID]
	if !ok {
		s.logger.Debug(fmt.Sprintf("reaction for unknown message %s dropped", p.MessageID))
		return
	}
	reactions := m.Reactions[:0:0]
	for _, r := range m.Reactions {
		if r.UserID == p.UserID && r.Emoji == p.Emoji {
			continue
		}
		reactions = append(reactions, r)
	}
	if !p.Removed {
		reactions = append(reactions, wire.Reaction{UserID: p.UserID, Emoji: p.Emoji})
	}
	m.Reactions = reactions
}

func (s *MessageStore) SetPinned(messageID string, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[messageID]; ok {
		m.IsPinned = pinned
	}
}

// ApplyReceipt records a read receipt. Receipts are append-only per
// (user, message) pair; duplicates are idempotent no-ops.
func (s *MessageStore) ApplyReceipt(r wire.ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptKey{userID: r.UserID, messageID: r.MessageID}
	if _, ok := s.receipts[key]; ok {
		return
	}
	s.receipts[key] = r
}

// Receipts returns the recorded receipts for a message.
func (s *MessageStore) Receipts(messageID string) []wire.ReadReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []wire.ReadReceipt
	for key, r := range s.receipts {
		if key.messageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Messages returns the merged view sorted by created_at ascending.
// Ties break on id so the order is stable across calls.
func (s *MessageStore) Messages() []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pinned is a derived filter over the merged view, not separate state.
func (s *MessageStore) Pinned() []wire.Message {
	all := s.Messages()
	out := all[:0:0]
	for _, m := range all {
		if m.IsPinned {
			out = append(out, m)
		}
	}
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// NewTempID synthesizes the temporary id for an optimistic entry.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d", wire.TempIDPrefix, now.UnixMilli())
}
