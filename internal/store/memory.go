package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"docflow/api/internal/util"
)

// MemoryStore keeps metadata in process. It backs development runs without
// DATABASE_URL and the package tests of everything above the store.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	handles  map[string]Handle
	variants map[string]map[string]Variant
	events   []WorkflowEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		handles:  make(map[string]Handle),
		variants: make(map[string]map[string]Variant),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) EnsureUserByName(_ context.Context, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := User{ID: util.NewID("usr"), DisplayName: name, Role: "editor", CreatedAt: time.Now()}
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) SetUserRole(_ context.Context, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) InsertHandle(_ context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	handle.Branches = append([]string(nil), handle.Branches...)
	handle.CreatedAt = now
	handle.UpdatedAt = now
	s.handles[handle.ID] = handle
	return nil
}

func (s *MemoryStore) GetHandle(_ context.Context, handleID string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[handleID]
	if !ok {
		return Handle{}, sql.ErrNoRows
	}
	handle.Branches = append([]string(nil), handle.Branches...)
	return handle, nil
}

func (s *MemoryStore) ListHandles(_ context.Context, folderID string) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Handle, 0, len(s.handles))
	for _, handle := range s.handles {
		if folderID != "" && handle.FolderID != folderID {
			continue
		}
		handle.Branches = append([]string(nil), handle.Branches...)
		items = append(items, handle)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *MemoryStore) UpdateHandleBranches(_ context.Context, handleID string, branches []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[handleID]
	if !ok {
		return sql.ErrNoRows
	}
	handle.Branches = append([]string(nil), branches...)
	handle.UpdatedAt = time.Now()
	s.handles[handleID] = handle
	return nil
}

func (s *MemoryStore) DeleteHandle(_ context.Context, handleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[handleID]; !ok {
		return sql.ErrNoRows
	}
	delete(s.handles, handleID)
	delete(s.variants, handleID)
	return nil
}

func (s *MemoryStore) ListVariants(_ context.Context, handleID string) ([]Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Variant, 0, 3)
	for _, variant := range s.variants[handleID] {
		items = append(items, variant)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].State < items[j].State })
	return items, nil
}

func (s *MemoryStore) UpsertVariant(_ context.Context, variant Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byState, ok := s.variants[variant.HandleID]
	if !ok {
		byState = make(map[string]Variant)
		s.variants[variant.HandleID] = byState
	}
	variant.UpdatedAt = time.Now()
	byState[variant.State] = variant
	return nil
}

func (s *MemoryStore) DeleteVariant(_ context.Context, handleID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.variants[handleID], state)
	return nil
}

func (s *MemoryStore) InsertWorkflowEvent(_ context.Context, event WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	event.CreatedAt = time.Now()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListWorkflowEvents(_ context.Context, handleID string, limit int) ([]WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	items := make([]WorkflowEvent, 0)
	for i := len(s.events) - 1; i >= 0 && len(items) < limit; i-- {
		if s.events[i].HandleID == handleID {
			items = append(items, s.events[i])
		}
	}
	return items, nil
}
