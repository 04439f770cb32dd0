// Package lock provides the pessimistic draft lock held while a user edits a
// document.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another user holds the lock.
var ErrHeld = errors.New("draft is locked by another user")

// MemoryStore is the in-process lock used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	holders map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	userID    string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holders: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Acquire(_ context.Context, handleID, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.live(handleID); ok && entry.userID != userID {
		return ErrHeld
	}
	s.holders[handleID] = memoryEntry{userID: userID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Force(_ context.Context, handleID, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[handleID] = memoryEntry{userID: userID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, handleID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(handleID)
	if !ok {
		return nil
	}
	if entry.userID != userID {
		return ErrHeld
	}
	delete(s.holders, handleID)
	return nil
}

func (s *MemoryStore) Holder(_ context.Context, handleID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(handleID)
	if !ok {
		return "", nil
	}
	return entry.userID, nil
}

func (s *MemoryStore) live(handleID string) (memoryEntry, bool) {
	entry, ok := s.holders[handleID]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.holders, handleID)
		return memoryEntry{}, false
	}
	return entry, true
}
