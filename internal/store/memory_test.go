package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestMemoryStoreHandleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.InsertHandle(ctx, Handle{ID: "h-1", Name: "news", FolderID: "f-1", Branches: []string{"master"}}); err != nil {
		t.Fatalf("InsertHandle() error = %v", err)
	}
	if err := s.UpsertVariant(ctx, Variant{HandleID: "h-1", Name: "news", State: "unpublished", BranchID: "master"}); err != nil {
		t.Fatalf("UpsertVariant() error = %v", err)
	}
	if err := s.UpsertVariant(ctx, Variant{HandleID: "h-1", Name: "news", State: "draft", BranchID: "master", Holder: "u-1"}); err != nil {
		t.Fatalf("UpsertVariant() error = %v", err)
	}

	variants, err := s.ListVariants(ctx, "h-1")
	if err != nil {
		t.Fatalf("ListVariants() error = %v", err)
	}
	if len(variants) != 2 || variants[0].State != "draft" || variants[0].Holder != "u-1" {
		t.Fatalf("unexpected variants: %+v", variants)
	}

	if err := s.UpdateHandleBranches(ctx, "h-1", []string{"master", "summer"}); err != nil {
		t.Fatalf("UpdateHandleBranches() error = %v", err)
	}
	handle, err := s.GetHandle(ctx, "h-1")
	if err != nil {
		t.Fatalf("GetHandle() error = %v", err)
	}
	if len(handle.Branches) != 2 || handle.Branches[1] != "summer" {
		t.Fatalf("unexpected branches: %+v", handle.Branches)
	}

	if err := s.DeleteHandle(ctx, "h-1"); err != nil {
		t.Fatalf("DeleteHandle() error = %v", err)
	}
	if _, err := s.GetHandle(ctx, "h-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
	variants, _ = s.ListVariants(ctx, "h-1")
	if len(variants) != 0 {
		t.Fatalf("expected variants to be dropped with the handle, got %+v", variants)
	}
}

func TestMemoryStoreUsersAndEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.EnsureUserByName(ctx, "Avery")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	again, _ := s.EnsureUserByName(ctx, "Avery")
	if first.ID != again.ID {
		t.Fatalf("expected stable user id, got %s and %s", first.ID, again.ID)
	}
	if err := s.SetUserRole(ctx, first.ID, "author"); err != nil {
		t.Fatalf("SetUserRole() error = %v", err)
	}
	user, _ := s.GetUserByID(ctx, first.ID)
	if user.Role != "author" {
		t.Fatalf("expected author role, got %q", user.Role)
	}

	for _, action := range []string{"obtain", "commit", "publish"} {
		if err := s.InsertWorkflowEvent(ctx, WorkflowEvent{HandleID: "h-1", Action: action}); err != nil {
			t.Fatalf("InsertWorkflowEvent() error = %v", err)
		}
	}
	_ = s.InsertWorkflowEvent(ctx, WorkflowEvent{HandleID: "h-2", Action: "obtain"})

	events, err := s.ListWorkflowEvents(ctx, "h-1", 2)
	if err != nil {
		t.Fatalf("ListWorkflowEvents() error = %v", err)
	}
	if len(events) != 2 || events[0].Action != "publish" || events[1].Action != "commit" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
