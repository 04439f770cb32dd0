package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logger"
	"docflow/api/internal/observation"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
)

// MetadataStore is the subset of the store used for handle and variant
// properties.
type MetadataStore interface {
	InsertHandle(ctx context.Context, handle store.Handle) error
	GetHandle(ctx context.Context, handleID string) (store.Handle, error)
	ListHandles(ctx context.Context, folderID string) ([]store.Handle, error)
	UpdateHandleBranches(ctx context.Context, handleID string, branches []string) error
	DeleteHandle(ctx context.Context, handleID string) error
	ListVariants(ctx context.Context, handleID string) ([]store.Variant, error)
	UpsertVariant(ctx context.Context, variant store.Variant) error
	DeleteVariant(ctx context.Context, handleID, state string) error
	InsertWorkflowEvent(ctx context.Context, event store.WorkflowEvent) error
	ListWorkflowEvents(ctx context.Context, handleID string, limit int) ([]store.WorkflowEvent, error)
}

type Repository struct {
	meta   MetadataStore
	git    *gitrepo.Service
	events observation.Publisher
	log    *logger.Logger
}

type NewHandle struct {
	Name         string
	FolderID     string
	DocumentType string
	Content      gitrepo.Content
}

func NewRepository(meta MetadataStore, git *gitrepo.Service, events observation.Publisher, log *logger.Logger) *Repository {
	return &Repository{meta: meta, git: git, events: events, log: logger.OrNop(log)}
}

// CreateHandle stores a new document whose only variant is a draft held by
// the author.
func (r *Repository) CreateHandle(ctx context.Context, in NewHandle, author User) (Handle, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Handle{}, errors.New("handle name is required")
	}
	folderID := strings.TrimSpace(in.FolderID)
	if folderID == "" {
		folderID = "root"
	}
	id := util.NewID("doc")
	body := in.Content
	if body.Type == "" {
		body.Type = in.DocumentType
	}
	if body.Title == "" {
		body.Title = name
	}

	if _, err := r.git.EnsureHandleRepo(id, string(StateDraft), body, author.Name); err != nil {
		return Handle{}, fmt.Errorf("create handle repo: %w", err)
	}
	now := time.Now().UTC()
	err := r.meta.InsertHandle(ctx, store.Handle{
		ID:           id,
		Name:         name,
		FolderID:     folderID,
		DocumentType: in.DocumentType,
		Branches:     []string{MasterBranch},
		CreatedBy:    author.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		_ = r.git.DeleteHandleRepo(id)
		return Handle{}, fmt.Errorf("insert handle: %w", err)
	}
	err = r.meta.UpsertVariant(ctx, store.Variant{
		HandleID: id,
		Name:     name,
		State:    string(StateDraft),
		BranchID: MasterBranch,
		Holder:   author.ID,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("insert draft variant: %w", err)
	}
	r.publish(ctx, observation.Event{HandleID: id, Kind: observation.KindChanged, UserID: author.ID})
	return r.Handle(ctx, id)
}

func (r *Repository) Handle(ctx context.Context, handleID string) (Handle, error) {
	item, err := r.meta.GetHandle(ctx, handleID)
	if err != nil {
		return Handle{}, fmt.Errorf("get handle %s: %w", handleID, notFound(err))
	}
	variants, err := r.meta.ListVariants(ctx, handleID)
	if err != nil {
		return Handle{}, fmt.Errorf("list variants of %s: %w", handleID, err)
	}
	return toHandle(item, variants), nil
}

func (r *Repository) ListHandles(ctx context.Context, folderID string) ([]Handle, error) {
	items, err := r.meta.ListHandles(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	handles := make([]Handle, 0, len(items))
	for _, item := range items {
		variants, err := r.meta.ListVariants(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("list variants of %s: %w", item.ID, err)
		}
		handles = append(handles, toHandle(item, variants))
	}
	return handles, nil
}

func (r *Repository) Revision(ctx context.Context, revisionID string) (Revision, error) {
	handleID, hash, ok := ParseRevisionID(revisionID)
	if !ok {
		return Revision{}, fmt.Errorf("parse revision %q: %w", revisionID, ErrNotFound)
	}
	if _, err := r.meta.GetHandle(ctx, handleID); err != nil {
		return Revision{}, fmt.Errorf("get handle %s: %w", handleID, notFound(err))
	}
	info, err := r.git.GetCommitByHash(handleID, hash)
	if err != nil {
		return Revision{}, fmt.Errorf("get revision %s: %w", revisionID, notFound(err))
	}
	return toRevision(handleID, info), nil
}

// Lookup resolves a handle id, a variant id or a revision id. Variant ids
// resolve to their handle.
func (r *Repository) Lookup(ctx context.Context, id string) (Node, error) {
	if _, _, ok := ParseRevisionID(id); ok {
		revision, err := r.Revision(ctx, id)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: NodeRevision, Revision: revision}, nil
	}
	handle, err := r.Handle(ctx, HandleOf(id))
	if err != nil {
		return Node{}, err
	}
	return Node{Kind: NodeHandle, Handle: handle}, nil
}

// LabeledRevision returns the revision id a version label points at.
func (r *Repository) LabeledRevision(_ context.Context, handleID, label string) (string, bool, error) {
	hash, ok, err := r.git.LabeledHash(handleID, label)
	if err != nil {
		return "", false, fmt.Errorf("resolve label %s: %w", label, err)
	}
	if !ok {
		return "", false, nil
	}
	return RevisionID(handleID, hash), true, nil
}

func (r *Repository) Labels(_ context.Context, handleID string) ([]gitrepo.Label, error) {
	return r.git.Labels(handleID)
}

func (r *Repository) VariantContent(_ context.Context, handleID string, state State) (gitrepo.Content, Revision, error) {
	body, info, err := r.git.GetVariantContent(handleID, string(state))
	if err != nil {
		return gitrepo.Content{}, Revision{}, fmt.Errorf("read %s variant: %w", state, notFound(err))
	}
	return body, toRevision(handleID, info), nil
}

// Content reads the stored content behind a variant or revision id.
func (r *Repository) Content(ctx context.Context, id string) (gitrepo.Content, error) {
	if handleID, hash, ok := ParseRevisionID(id); ok {
		body, err := r.git.GetContentByHash(handleID, hash)
		if err != nil {
			return gitrepo.Content{}, fmt.Errorf("read revision %s: %w", id, notFound(err))
		}
		return body, nil
	}
	handleID, state, ok := ParseVariantID(id)
	if !ok {
		return gitrepo.Content{}, fmt.Errorf("parse variant %q: %w", id, ErrNotFound)
	}
	body, _, err := r.VariantContent(ctx, handleID, state)
	return body, err
}

func (r *Repository) Versions(_ context.Context, handleID string, state State, limit int) ([]Revision, error) {
	items, err := r.git.History(handleID, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", VariantID(handleID, state), notFound(err))
	}
	revisions := make([]Revision, 0, len(items))
	for _, item := range items {
		revisions = append(revisions, toRevision(handleID, item))
	}
	return revisions, nil
}

func (r *Repository) WriteVariant(ctx context.Context, handleID string, state State, body gitrepo.Content, author User, message string) (Revision, error) {
	info, err := r.git.CommitVariant(handleID, string(state), body, author.Name, message)
	if err != nil {
		return Revision{}, fmt.Errorf("commit %s variant: %w", state, err)
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindChanged, UserID: author.ID})
	return toRevision(handleID, info), nil
}

func (r *Repository) CopyVariant(ctx context.Context, handleID string, from, to State, author User, message string) (Revision, error) {
	info, err := r.git.CopyVariant(handleID, string(from), string(to), author.Name, message)
	if err != nil {
		return Revision{}, fmt.Errorf("copy %s to %s: %w", from, to, notFound(err))
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindChanged, UserID: author.ID})
	return toRevision(handleID, info), nil
}

func (r *Repository) CopyRevision(ctx context.Context, revisionID string, to State, author User, message string) (Revision, error) {
	handleID, hash, ok := ParseRevisionID(revisionID)
	if !ok {
		return Revision{}, fmt.Errorf("parse revision %q: %w", revisionID, ErrNotFound)
	}
	info, err := r.git.CopyFromHash(handleID, hash, string(to), author.Name, message)
	if err != nil {
		return Revision{}, fmt.Errorf("copy %s to %s: %w", revisionID, to, notFound(err))
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindChanged, UserID: author.ID})
	return toRevision(handleID, info), nil
}

// PutVariant stores the node properties of a live variant.
func (r *Repository) PutVariant(ctx context.Context, variant Variant, actorID string) error {
	err := r.meta.UpsertVariant(ctx, store.Variant{
		HandleID:     variant.HandleID,
		Name:         variant.Name,
		State:        string(variant.State),
		BranchID:     variant.BranchID,
		Holder:       variant.Holder,
		Transferable: variant.Transferable,
	})
	if err != nil {
		return fmt.Errorf("upsert %s variant: %w", variant.State, err)
	}
	r.publish(ctx, observation.Event{HandleID: variant.HandleID, Kind: observation.KindChanged, UserID: actorID})
	return nil
}

func (r *Repository) RemoveVariant(ctx context.Context, handleID string, state State, actorID string) error {
	if err := r.git.DeleteVariant(handleID, string(state)); err != nil {
		return fmt.Errorf("delete %s branch: %w", state, err)
	}
	if err := r.meta.DeleteVariant(ctx, handleID, string(state)); err != nil {
		return fmt.Errorf("delete %s variant: %w", state, err)
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindChanged, UserID: actorID})
	return nil
}

func (r *Repository) Label(_ context.Context, revisionID, label string) error {
	handleID, hash, ok := ParseRevisionID(revisionID)
	if !ok {
		return fmt.Errorf("parse revision %q: %w", revisionID, ErrNotFound)
	}
	return r.git.Label(handleID, label, hash)
}

func (r *Repository) RemoveLabel(_ context.Context, handleID, label string) error {
	return r.git.RemoveLabel(handleID, label)
}

func (r *Repository) DeleteHandle(ctx context.Context, handleID, actorID string) error {
	if err := r.meta.DeleteHandle(ctx, handleID); err != nil {
		return fmt.Errorf("delete handle %s: %w", handleID, notFound(err))
	}
	if err := r.git.DeleteHandleRepo(handleID); err != nil {
		return fmt.Errorf("delete handle repo %s: %w", handleID, err)
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindRemoved, UserID: actorID})
	return nil
}

// AddBranch records branchID among the known branches of the handle.
func (r *Repository) AddBranch(ctx context.Context, handleID, branchID, actorID string) (Handle, error) {
	if !ValidBranchID(branchID) {
		return Handle{}, fmt.Errorf("add branch %q: %w", branchID, ErrInvalidBranch)
	}
	handle, err := r.Handle(ctx, handleID)
	if err != nil {
		return Handle{}, err
	}
	if handle.HasBranch(branchID) {
		return handle, nil
	}
	branches := append(append([]string(nil), handle.Branches...), branchID)
	if err := r.meta.UpdateHandleBranches(ctx, handleID, branches); err != nil {
		return Handle{}, fmt.Errorf("update branches: %w", notFound(err))
	}
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindChanged, UserID: actorID, BranchID: branchID})
	return r.Handle(ctx, handleID)
}

// RemoveBranch forgets a branch and its labels. Live variants that carry the
// branch are restored from the master labels when those exist.
func (r *Repository) RemoveBranch(ctx context.Context, handleID, branchID string, actor User) error {
	if branchID == MasterBranch {
		return ErrMasterBranch
	}
	handle, err := r.Handle(ctx, handleID)
	if err != nil {
		return err
	}
	if !handle.HasBranch(branchID) {
		return fmt.Errorf("remove branch %q: %w", branchID, ErrNotFound)
	}
	branches := make([]string, 0, len(handle.Branches))
	for _, branch := range handle.Branches {
		if branch != branchID {
			branches = append(branches, branch)
		}
	}
	if err := r.meta.UpdateHandleBranches(ctx, handleID, branches); err != nil {
		return fmt.Errorf("update branches: %w", notFound(err))
	}

	for _, state := range []State{StateUnpublished, StatePublished} {
		if err := r.git.RemoveLabel(handleID, BranchLabel(branchID, state)); err != nil {
			return err
		}
		variant, ok := handle.Variant(state)
		if !ok || variant.BranchID != branchID {
			continue
		}
		masterRevision, ok, err := r.LabeledRevision(ctx, handleID, BranchLabel(MasterBranch, state))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := r.CopyRevision(ctx, masterRevision, state, actor, "Restore master after branch removal"); err != nil {
			return err
		}
		variant.BranchID = MasterBranch
		if err := r.PutVariant(ctx, variant, actor.ID); err != nil {
			return err
		}
	}
	r.log.Info("branch removed", "handle", handleID, "branch", branchID, "user", actor.ID)
	r.publish(ctx, observation.Event{HandleID: handleID, Kind: observation.KindBranchRemoved, UserID: actor.ID, BranchID: branchID})
	return nil
}

func (r *Repository) RecordEvent(ctx context.Context, event store.WorkflowEvent) error {
	if err := r.meta.InsertWorkflowEvent(ctx, event); err != nil {
		return fmt.Errorf("record workflow event: %w", err)
	}
	return nil
}

func (r *Repository) Events(ctx context.Context, handleID string, limit int) ([]store.WorkflowEvent, error) {
	return r.meta.ListWorkflowEvents(ctx, handleID, limit)
}

// NewSession opens a session for user against this repository.
func (r *Repository) NewSession(user User) *Session {
	return &Session{repo: r, user: user, staged: make(map[string]gitrepo.Content)}
}

func (r *Repository) publish(ctx context.Context, event observation.Event) {
	if r.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := r.events.Publish(ctx, event); err != nil {
		r.log.Warn("publish observation event failed", "handle", event.HandleID, "kind", string(event.Kind), "error", err)
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, gitrepo.ErrVariantNotFound) || errors.Is(err, gitrepo.ErrRevisionNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func toHandle(item store.Handle, variants []store.Variant) Handle {
	handle := Handle{
		ID:           item.ID,
		Name:         item.Name,
		FolderID:     item.FolderID,
		DocumentType: item.DocumentType,
		Branches:     append([]string(nil), item.Branches...),
		CreatedBy:    item.CreatedBy,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
	for _, variant := range variants {
		handle.Children = append(handle.Children, Variant{
			ID:           VariantID(item.ID, State(variant.State)),
			HandleID:     item.ID,
			Name:         variant.Name,
			State:        State(variant.State),
			BranchID:     variant.BranchID,
			Holder:       variant.Holder,
			Transferable: variant.Transferable,
			UpdatedAt:    variant.UpdatedAt,
		})
	}
	return handle
}

func toRevision(handleID string, info store.CommitInfo) Revision {
	return Revision{
		ID:        RevisionID(handleID, info.Hash),
		HandleID:  handleID,
		Hash:      info.Hash,
		Message:   info.Message,
		Author:    info.Author,
		CreatedAt: info.CreatedAt,
	}
}
