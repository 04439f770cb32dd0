package content

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"docflow/api/internal/gitrepo"
)

// Session is one user's view of the repository. Edits to a draft are staged
// in the session and only reach the repository on Save.
type Session struct {
	repo *Repository
	user User

	mu     sync.Mutex
	staged map[string]gitrepo.Content
}

func (s *Session) User() User { return s.user }

func (s *Session) UserID() string { return s.user.ID }

func (s *Session) Repository() *Repository { return s.repo }

func (s *Session) Lookup(ctx context.Context, id string) (Node, error) {
	return s.repo.Lookup(ctx, id)
}

func (s *Session) LabeledRevision(ctx context.Context, handleID, label string) (string, bool, error) {
	return s.repo.LabeledRevision(ctx, handleID, label)
}

// Stage records new content for a draft variant.
func (s *Session) Stage(variantID string, body gitrepo.Content) error {
	_, state, ok := ParseVariantID(variantID)
	if !ok {
		return fmt.Errorf("stage %q: %w", variantID, ErrNotFound)
	}
	if state != StateDraft {
		return fmt.Errorf("stage %q: %w", variantID, ErrNotEditable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[variantID] = body
	return nil
}

func (s *Session) StagedContent(variantID string) (gitrepo.Content, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.staged[variantID]
	return body, ok
}

// HasPendingChanges reports staged edits at or below nodeID, which may be a
// handle or a variant id.
func (s *Session) HasPendingChanges(nodeID string) bool {
	handleID := HandleOf(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for variantID := range s.staged {
		if variantID == nodeID || strings.HasPrefix(variantID, handleID+"/") {
			return true
		}
	}
	return false
}

// Refresh drops staged edits unless keepChanges is set.
func (s *Session) Refresh(keepChanges bool) {
	if keepChanges {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = make(map[string]gitrepo.Content)
}

// Save commits every staged edit that differs from the stored draft. Drafts
// the session user no longer holds are refused with ErrNotHeld.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.staged))
	for id := range s.staged {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		body, ok := s.StagedContent(id)
		if !ok {
			continue
		}
		handleID, state, _ := ParseVariantID(id)
		if err := s.requireHolder(ctx, handleID); err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
		current, _, err := s.repo.VariantContent(ctx, handleID, state)
		if err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
		if gitrepo.HasChanges(current, body) {
			if _, err := s.repo.WriteVariant(ctx, handleID, state, body, s.user, "Save draft"); err != nil {
				return fmt.Errorf("save %s: %w", id, err)
			}
		}
		s.mu.Lock()
		delete(s.staged, id)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) requireHolder(ctx context.Context, handleID string) error {
	handle, err := s.repo.Handle(ctx, handleID)
	if err != nil {
		return err
	}
	draft, ok := handle.Variant(StateDraft)
	if !ok || draft.Holder != s.user.ID {
		return ErrNotHeld
	}
	return nil
}

// Content returns the staged content of id, or the stored content when
// nothing is staged.
func (s *Session) Content(ctx context.Context, id string) (gitrepo.Content, error) {
	if body, ok := s.StagedContent(id); ok {
		return body, nil
	}
	return s.repo.Content(ctx, id)
}
