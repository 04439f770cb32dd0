package content

import (
	"context"
	"errors"
	"testing"

	"docflow/api/internal/gitrepo"
	"docflow/api/internal/observation"
	"docflow/api/internal/store"
)

func newRepository(t *testing.T) (*Repository, *store.MemoryStore, *observation.LocalBus) {
	t.Helper()
	meta := store.NewMemoryStore()
	bus := observation.NewLocalBus()
	return NewRepository(meta, gitrepo.New(t.TempDir()), bus, nil), meta, bus
}

var (
	avery = User{ID: "u-avery", Name: "Avery", Role: "editor"}
	blake = User{ID: "u-blake", Name: "Blake", Role: "editor"}
)

func createHandle(t *testing.T, repo *Repository) Handle {
	t.Helper()
	handle, err := repo.CreateHandle(context.Background(), NewHandle{
		Name:         "launch",
		FolderID:     "news",
		DocumentType: "article",
		Content:      gitrepo.Content{Title: "Launch", Fields: map[string]string{"author": "Avery"}},
	}, avery)
	if err != nil {
		t.Fatalf("CreateHandle() error = %v", err)
	}
	return handle
}

func TestIdentifiers(t *testing.T) {
	if got := VariantID("doc_1", StateDraft); got != "doc_1/draft" {
		t.Fatalf("VariantID() = %q", got)
	}
	handleID, state, ok := ParseVariantID("doc_1/published")
	if !ok || handleID != "doc_1" || state != StatePublished {
		t.Fatalf("ParseVariantID() = %q, %q, %v", handleID, state, ok)
	}
	if _, _, ok := ParseVariantID("doc_1/archived"); ok {
		t.Fatal("expected unknown state to be rejected")
	}
	handleID, hash, ok := ParseRevisionID(RevisionID("doc_1", "abc"))
	if !ok || handleID != "doc_1" || hash != "abc" {
		t.Fatalf("ParseRevisionID() = %q, %q, %v", handleID, hash, ok)
	}
	for _, id := range []string{"doc_1", "doc_1/draft", "doc_1@abc"} {
		if HandleOf(id) != "doc_1" {
			t.Fatalf("HandleOf(%q) = %q", id, HandleOf(id))
		}
	}
	if BranchLabel("summer", StateUnpublished) != "summer-unpublished" {
		t.Fatalf("unexpected label %q", BranchLabel("summer", StateUnpublished))
	}
	if ValidBranchID("Bad Branch") || !ValidBranchID("summer-2026") {
		t.Fatal("unexpected branch id validation")
	}
}

func TestCreateHandleStartsWithHeldDraft(t *testing.T) {
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)

	if handle.Name != "launch" || len(handle.Branches) != 1 || handle.Branches[0] != MasterBranch {
		t.Fatalf("unexpected handle %+v", handle)
	}
	draft, ok := handle.Variant(StateDraft)
	if !ok || draft.Holder != avery.ID || draft.Transferable || draft.ID != VariantID(handle.ID, StateDraft) {
		t.Fatalf("unexpected draft %+v (%v)", draft, ok)
	}
	if handle.Variants() != 1 {
		t.Fatalf("expected a single variant, got %d", handle.Variants())
	}

	body, revision, err := repo.VariantContent(context.Background(), handle.ID, StateDraft)
	if err != nil {
		t.Fatalf("VariantContent() error = %v", err)
	}
	if body.Title != "Launch" || body.Type != "article" || revision.HandleID != handle.ID {
		t.Fatalf("unexpected draft content %+v (%+v)", body, revision)
	}
}

func TestLookupResolvesHandlesVariantsAndRevisions(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepository(t)
	handle := createHandle(t, repo)

	node, err := repo.Lookup(ctx, VariantID(handle.ID, StateDraft))
	if err != nil || node.Kind != NodeHandle || node.Handle.ID != handle.ID {
		t.Fatalf("Lookup(variant) = %+v, %v", node, err)
	}

	revision, err := repo.CopyVariant(ctx, handle.ID, StateDraft, StateUnpublished, avery, "Commit")
	if err != nil {
		t.Fatalf("CopyVariant() error = %v", err)
	}
	node, err = repo.Lookup(ctx, revision.ID)
	if err != nil || node.Kind != NodeRevision || node.Revision.Hash != revision.Hash {
		t.Fatalf("Lookup(revision) = %+v, %v", node, err)
	}

	if _, err := repo.Lookup(ctx, "doc_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing handle, got %v", err)
	}
	missing := RevisionID(handle.ID, "0123456789012345678901234567890123456789")
	if _, err := repo.Lookup(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing revision, got %v", err)
	}
}

func TestWritesPublishObservationEvents(t *testing.T) {
	ctx := context.Background()
	repo, _, bus := newRepository(t)
	handle := createHandle(t, repo)

	var kinds []observation.Kind
	reg, err := bus.Subscribe(ctx, handle.ID, func(e observation.Event) { kinds = append(kinds, e.Kind) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer reg.Close()

	if _, err := repo.WriteVariant(ctx, handle.ID, StateDraft, gitrepo.Content{Title: "Launch v2"}, avery, "Edit"); err != nil {
		t.Fatalf("WriteVariant() error = %v", err)
	}
	if err := repo.DeleteHandle(ctx, handle.ID, avery.ID); err != nil {
		t.Fatalf("DeleteHandle() error = %v", err)
	}
	if len(kinds) != 2 || kinds[0] != observation.KindChanged || kinds[1] != observation.KindRemoved {
		t.Fatalf("unexpected events %v", kinds)
	}
	if _, err := repo.Handle(ctx, handle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBranchesAddAndRemove(t *testing.T) {
	ctx := context.Background()
	repo, _, bus := newRepository(t)
	handle := createHandle(t, repo)

	masterRevision, err := repo.CopyVariant(ctx, handle.ID, StateDraft, StateUnpublished, avery, "Commit master")
	if err != nil {
		t.Fatalf("CopyVariant() error = %v", err)
	}
	if err := repo.Label(ctx, masterRevision.ID, BranchLabel(MasterBranch, StateUnpublished)); err != nil {
		t.Fatalf("Label() error = %v", err)
	}

	if _, err := repo.AddBranch(ctx, handle.ID, "Not Valid", avery.ID); !errors.Is(err, ErrInvalidBranch) {
		t.Fatalf("expected ErrInvalidBranch, got %v", err)
	}
	updated, err := repo.AddBranch(ctx, handle.ID, "summer", avery.ID)
	if err != nil {
		t.Fatalf("AddBranch() error = %v", err)
	}
	if !updated.HasBranch("summer") || len(updated.Branches) != 2 {
		t.Fatalf("unexpected branches %+v", updated.Branches)
	}

	branchRevision, err := repo.WriteVariant(ctx, handle.ID, StateUnpublished, gitrepo.Content{Title: "Summer"}, avery, "Commit summer")
	if err != nil {
		t.Fatalf("WriteVariant() error = %v", err)
	}
	_ = repo.Label(ctx, branchRevision.ID, BranchLabel("summer", StateUnpublished))
	err = repo.PutVariant(ctx, Variant{HandleID: handle.ID, Name: handle.Name, State: StateUnpublished, BranchID: "summer"}, avery.ID)
	if err != nil {
		t.Fatalf("PutVariant() error = %v", err)
	}

	var removed []string
	reg, _ := bus.Subscribe(ctx, handle.ID, func(e observation.Event) {
		if e.Kind == observation.KindBranchRemoved {
			removed = append(removed, e.BranchID)
		}
	})
	defer reg.Close()

	if err := repo.RemoveBranch(ctx, handle.ID, MasterBranch, avery); !errors.Is(err, ErrMasterBranch) {
		t.Fatalf("expected ErrMasterBranch, got %v", err)
	}
	if err := repo.RemoveBranch(ctx, handle.ID, "summer", avery); err != nil {
		t.Fatalf("RemoveBranch() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "summer" {
		t.Fatalf("expected branch-removed event, got %v", removed)
	}

	after, _ := repo.Handle(ctx, handle.ID)
	if after.HasBranch("summer") {
		t.Fatalf("expected summer to be forgotten, got %+v", after.Branches)
	}
	unpublished, _ := after.Variant(StateUnpublished)
	if unpublished.BranchID != MasterBranch {
		t.Fatalf("expected unpublished to return to master, got %+v", unpublished)
	}
	body, _, _ := repo.VariantContent(ctx, handle.ID, StateUnpublished)
	if body.Title != "Launch" {
		t.Fatalf("expected master content to be restored, got %q", body.Title)
	}
	if _, ok, _ := repo.LabeledRevision(ctx, handle.ID, BranchLabel("summer", StateUnpublished)); ok {
		t.Fatal("expected summer label to be removed")
	}
}

func TestAuxiliaryChildrenAreNotVariants(t *testing.T) {
	ctx := context.Background()
	repo, meta, _ := newRepository(t)
	handle := createHandle(t, repo)

	_ = meta.UpsertVariant(ctx, store.Variant{HandleID: handle.ID, Name: "translation-request", State: "published"})
	reloaded, err := repo.Handle(ctx, handle.ID)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, ok := reloaded.Variant(StatePublished); ok {
		t.Fatal("expected auxiliary child to be ignored")
	}
	if reloaded.Variants() != 1 {
		t.Fatalf("expected one live variant, got %d", reloaded.Variants())
	}
}
