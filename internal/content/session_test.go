package content

import (
	"context"
	"errors"
	"testing"

	"docflow/api/internal/gitrepo"
)

func TestSessionStageAndSave(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)
	session := repo.NewSession(avery)
	draftID := VariantID(handle.ID, StateDraft)

	if session.UserID() != avery.ID {
		t.Fatalf("unexpected user %q", session.UserID())
	}
	if err := session.Stage(VariantID(handle.ID, StateUnpublished), gitrepo.Content{}); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
	if session.HasPendingChanges(handle.ID) {
		t.Fatal("expected no pending changes")
	}

	if err := session.Stage(draftID, gitrepo.Content{Title: "Launch v2"}); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if !session.HasPendingChanges(handle.ID) || !session.HasPendingChanges(draftID) {
		t.Fatal("expected pending changes under the handle")
	}
	got, err := session.Content(ctx, draftID)
	if err != nil || got.Title != "Launch v2" {
		t.Fatalf("Content() = %+v, %v", got, err)
	}
	stored, _ := repo.Content(ctx, draftID)
	if stored.Title != "Launch" {
		t.Fatalf("expected staged edit to stay out of the repository, got %q", stored.Title)
	}

	if err := session.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if session.HasPendingChanges(handle.ID) {
		t.Fatal("expected staged edits to be cleared by Save")
	}
	stored, _ = repo.Content(ctx, draftID)
	if stored.Title != "Launch v2" {
		t.Fatalf("expected saved draft, got %q", stored.Title)
	}
	versions, err := repo.Versions(ctx, handle.ID, StateDraft, 10)
	if err != nil || len(versions) != 2 || versions[0].Message != "Save draft" {
		t.Fatalf("Versions() = %+v, %v", versions, err)
	}
}

func TestSessionSaveSkipsUnchangedContent(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)
	session := repo.NewSession(avery)
	draftID := VariantID(handle.ID, StateDraft)

	current, _ := repo.Content(ctx, draftID)
	_ = session.Stage(draftID, current)
	if err := session.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	versions, _ := repo.Versions(ctx, handle.ID, StateDraft, 10)
	if len(versions) != 1 {
		t.Fatalf("expected no extra revision, got %d", len(versions))
	}
}

func TestSessionRefresh(t *testing.T) {
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)
	session := repo.NewSession(avery)
	draftID := VariantID(handle.ID, StateDraft)

	_ = session.Stage(draftID, gitrepo.Content{Title: "Edit"})
	session.Refresh(true)
	if _, ok := session.StagedContent(draftID); !ok {
		t.Fatal("expected Refresh(true) to keep staged edits")
	}
	session.Refresh(false)
	if _, ok := session.StagedContent(draftID); ok {
		t.Fatal("expected Refresh(false) to drop staged edits")
	}
}

func TestSessionSaveRequiresHeldDraft(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)
	draftID := VariantID(handle.ID, StateDraft)

	session := repo.NewSession(blake)
	_ = session.Stage(draftID, gitrepo.Content{Title: "Not mine"})
	if err := session.Save(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	stored, _ := repo.Content(ctx, draftID)
	if stored.Title != "Launch" {
		t.Fatalf("expected draft to stay untouched, got %q", stored.Title)
	}
	if !session.HasPendingChanges(handle.ID) {
		t.Fatal("expected refused edits to stay staged")
	}
}
