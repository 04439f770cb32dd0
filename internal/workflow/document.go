package workflow

import (
	"context"
	"fmt"
	"time"

	"docflow/api/internal/content"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logger"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
)

// Engine hands out document workflows bound to a session.
type Engine struct {
	repo    *content.Repository
	locks   Locker
	lockTTL time.Duration
	log     *logger.Logger
}

func NewEngine(repo *content.Repository, locks Locker, lockTTL time.Duration, log *logger.Logger) *Engine {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Engine{repo: repo, locks: locks, lockTTL: lockTTL, log: logger.OrNop(log)}
}

func (e *Engine) Editable(_ context.Context, session *content.Session, handleID string) (EditableWorkflow, error) {
	return &DocumentWorkflow{engine: e, session: session, handleID: handleID}, nil
}

func (e *Engine) Folder(_ context.Context, session *content.Session, folderID string) (FolderWorkflow, error) {
	return &folderWorkflow{engine: e, session: session, folderID: folderID}, nil
}

// DocumentWorkflow implements the publishable document lifecycle of one
// handle for the session user.
type DocumentWorkflow struct {
	engine   *Engine
	session  *content.Session
	handleID string
}

func (w *DocumentWorkflow) Hints(ctx context.Context, branchID string) (Capabilities, error) {
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return Capabilities{}, err
	}
	lockHolder, err := w.engine.locks.Holder(ctx, w.handleID)
	if err != nil {
		return Capabilities{}, fmt.Errorf("read draft lock: %w", err)
	}
	user := w.session.User()
	role := rbac.Normalize(user.Role)
	canEdit := rbac.Can(role, rbac.ActionEdit)
	canPublish := rbac.Can(role, rbac.ActionPublish)

	draft, hasDraft := handle.Variant(content.StateDraft)
	_, hasUnpublished := handle.Variant(content.StateUnpublished)
	_, hasPublished := handle.Variant(content.StatePublished)
	holder := hasDraft && draft.Holder == user.ID
	transferable := hasDraft && draft.Transferable
	lockedByOther := lockHolder != "" && lockHolder != user.ID

	caps := Capabilities{
		ObtainEditableInstance:  canEdit && !transferable && !lockedByOther && handle.HasBranch(branchID),
		EditDraft:               canEdit && transferable,
		CommitEditableInstance:  holder,
		DisposeEditableInstance: holder,
		SaveDraft:               holder,
		CheckModified:           hasDraft,
		Publish:                 canPublish && hasUnpublished,
		Depublish:               canPublish && hasPublished,
		Delete:                  rbac.Can(role, rbac.ActionDelete),
		Transferable:            transferable,
		Extra:                   map[string]any{"branch": branchOrMaster(branchID)},
	}
	if lockedByOther {
		caps.Extra["inUseBy"] = lockHolder
	}
	return caps, nil
}

func (w *DocumentWorkflow) ObtainEditableInstance(ctx context.Context, branchID string) (string, error) {
	branchID = branchOrMaster(branchID)
	user := w.session.User()
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionEdit) {
		return "", w.fail(ctx, OpObtainEditableInstance, branchID, ErrNotPermitted)
	}
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return "", err
	}
	if !handle.HasBranch(branchID) {
		return "", w.fail(ctx, OpObtainEditableInstance, branchID, ErrUnknownBranch)
	}
	draft, hasDraft := handle.Variant(content.StateDraft)
	if hasDraft && draft.Transferable {
		return "", w.fail(ctx, OpObtainEditableInstance, branchID, fmt.Errorf("draft is transferable: %w", ErrNotPermitted))
	}
	if err := w.engine.locks.Acquire(ctx, w.handleID, user.ID, w.engine.lockTTL); err != nil {
		return "", w.fail(ctx, OpObtainEditableInstance, branchID, err)
	}

	resume := hasDraft && draft.Holder == user.ID && draft.BranchID == branchID
	if !resume {
		seeded, err := w.seedDraft(ctx, handle, branchID)
		if err != nil {
			_ = w.engine.locks.Release(ctx, w.handleID, user.ID)
			return "", err
		}
		if !seeded && !hasDraft {
			_ = w.engine.locks.Release(ctx, w.handleID, user.ID)
			return "", fmt.Errorf("obtain editable instance: no content to edit: %w", content.ErrNotFound)
		}
	}
	err = w.engine.repo.PutVariant(ctx, content.Variant{
		HandleID: handle.ID,
		Name:     handle.Name,
		State:    content.StateDraft,
		BranchID: branchID,
		Holder:   user.ID,
	}, user.ID)
	if err != nil {
		return "", err
	}
	w.record(ctx, OpObtainEditableInstance, branchID, "applied", "")
	return content.VariantID(handle.ID, content.StateDraft), nil
}

func (w *DocumentWorkflow) EditDraft(ctx context.Context) (string, error) {
	user := w.session.User()
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionEdit) {
		return "", w.fail(ctx, OpEditDraft, "", ErrNotPermitted)
	}
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return "", err
	}
	draft, ok := handle.Variant(content.StateDraft)
	if !ok || !draft.Transferable {
		return "", w.fail(ctx, OpEditDraft, "", fmt.Errorf("draft is not transferable: %w", ErrNotPermitted))
	}
	if err := w.engine.locks.Force(ctx, w.handleID, user.ID, w.engine.lockTTL); err != nil {
		return "", fmt.Errorf("take over draft lock: %w", err)
	}
	draft.Holder = user.ID
	draft.Transferable = false
	if err := w.engine.repo.PutVariant(ctx, draft, user.ID); err != nil {
		return "", err
	}
	w.record(ctx, OpEditDraft, draft.BranchID, "applied", "")
	return draft.ID, nil
}

func (w *DocumentWorkflow) CommitEditableInstance(ctx context.Context) (string, error) {
	user := w.session.User()
	handle, draft, err := w.heldDraft(ctx, OpCommitEditableInstance)
	if err != nil {
		return "", err
	}
	branchID := branchOrMaster(draft.BranchID)
	repo := w.engine.repo

	if previous, ok := handle.Variant(content.StateUnpublished); ok {
		owner := branchOrMaster(previous.BranchID)
		if owner != branchID {
			if _, head, err := repo.VariantContent(ctx, handle.ID, content.StateUnpublished); err == nil {
				if err := repo.Label(ctx, head.ID, content.BranchLabel(owner, content.StateUnpublished)); err != nil {
					return "", err
				}
			}
		}
	}
	revision, err := repo.CopyVariant(ctx, handle.ID, content.StateDraft, content.StateUnpublished, user, "Commit draft")
	if err != nil {
		return "", err
	}
	if err := repo.Label(ctx, revision.ID, content.BranchLabel(branchID, content.StateUnpublished)); err != nil {
		return "", err
	}
	err = repo.PutVariant(ctx, content.Variant{
		HandleID: handle.ID,
		Name:     handle.Name,
		State:    content.StateUnpublished,
		BranchID: branchID,
	}, user.ID)
	if err != nil {
		return "", err
	}
	draft.Holder = ""
	draft.Transferable = false
	if err := repo.PutVariant(ctx, draft, user.ID); err != nil {
		return "", err
	}
	if err := w.engine.locks.Release(ctx, handle.ID, user.ID); err != nil {
		w.engine.log.Warn("release draft lock failed", "handle", handle.ID, "user", user.ID, "error", err)
	}
	w.record(ctx, OpCommitEditableInstance, branchID, "applied", revision.Hash)
	return content.VariantID(handle.ID, content.StateUnpublished), nil
}

// DisposeEditableInstance drops the draft edits and releases the lock. The
// draft content is reset to the unpublished content of its branch when there
// is one.
func (w *DocumentWorkflow) DisposeEditableInstance(ctx context.Context) error {
	user := w.session.User()
	handle, draft, err := w.heldDraft(ctx, OpDisposeEditableInstance)
	if err != nil {
		return err
	}
	branchID := branchOrMaster(draft.BranchID)
	if _, err := w.seedDraft(ctx, handle, branchID); err != nil {
		return err
	}
	draft.Holder = ""
	draft.Transferable = false
	if err := w.engine.repo.PutVariant(ctx, draft, user.ID); err != nil {
		return err
	}
	if err := w.engine.locks.Release(ctx, handle.ID, user.ID); err != nil {
		w.engine.log.Warn("release draft lock failed", "handle", handle.ID, "user", user.ID, "error", err)
	}
	w.record(ctx, OpDisposeEditableInstance, branchID, "applied", "")
	return nil
}

// IsModified compares the draft with the unpublished content of its branch.
func (w *DocumentWorkflow) IsModified(ctx context.Context) (bool, error) {
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return false, err
	}
	draft, ok := handle.Variant(content.StateDraft)
	if !ok {
		return false, nil
	}
	source, ok, err := w.unpublishedSource(ctx, handle, branchOrMaster(draft.BranchID))
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	draftBody, err := w.session.Content(ctx, draft.ID)
	if err != nil {
		return false, err
	}
	baseBody, err := w.engine.repo.Content(ctx, source)
	if err != nil {
		return false, err
	}
	return gitrepo.HasChanges(baseBody, draftBody), nil
}

// SaveDraft stores the staged edits and marks the draft transferable. The
// holder keeps the draft and its lock; another editor may take it over with
// EditDraft.
func (w *DocumentWorkflow) SaveDraft(ctx context.Context) (Capabilities, error) {
	user := w.session.User()
	_, draft, err := w.heldDraft(ctx, OpSaveDraft)
	if err != nil {
		return Capabilities{}, err
	}
	if err := w.engine.locks.Acquire(ctx, w.handleID, user.ID, w.engine.lockTTL); err != nil {
		return Capabilities{}, w.fail(ctx, OpSaveDraft, draft.BranchID, err)
	}
	if err := w.session.Save(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("save draft: %w", err)
	}
	if !draft.Transferable {
		draft.Transferable = true
		if err := w.engine.repo.PutVariant(ctx, draft, user.ID); err != nil {
			return Capabilities{}, err
		}
	}
	w.record(ctx, OpSaveDraft, draft.BranchID, "applied", "")
	return w.Hints(ctx, draft.BranchID)
}

func (w *DocumentWorkflow) Publish(ctx context.Context) error {
	user := w.session.User()
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionPublish) {
		return w.fail(ctx, OpPublish, "", ErrNotPermitted)
	}
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return err
	}
	unpublished, ok := handle.Variant(content.StateUnpublished)
	if !ok {
		return w.fail(ctx, OpPublish, "", fmt.Errorf("nothing to publish: %w", ErrNotPermitted))
	}
	branchID := branchOrMaster(unpublished.BranchID)
	repo := w.engine.repo

	if previous, ok := handle.Variant(content.StatePublished); ok {
		owner := branchOrMaster(previous.BranchID)
		if owner != branchID {
			if _, head, err := repo.VariantContent(ctx, handle.ID, content.StatePublished); err == nil {
				if err := repo.Label(ctx, head.ID, content.BranchLabel(owner, content.StatePublished)); err != nil {
					return err
				}
			}
		}
	}
	revision, err := repo.CopyVariant(ctx, handle.ID, content.StateUnpublished, content.StatePublished, user, "Publish")
	if err != nil {
		return err
	}
	if err := repo.Label(ctx, revision.ID, content.BranchLabel(branchID, content.StatePublished)); err != nil {
		return err
	}
	err = repo.PutVariant(ctx, content.Variant{
		HandleID: handle.ID,
		Name:     handle.Name,
		State:    content.StatePublished,
		BranchID: branchID,
	}, user.ID)
	if err != nil {
		return err
	}
	w.record(ctx, OpPublish, branchID, "applied", revision.Hash)
	return nil
}

func (w *DocumentWorkflow) Depublish(ctx context.Context) error {
	user := w.session.User()
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionPublish) {
		return w.fail(ctx, OpDepublish, "", ErrNotPermitted)
	}
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return err
	}
	published, ok := handle.Variant(content.StatePublished)
	if !ok {
		return w.fail(ctx, OpDepublish, "", fmt.Errorf("document is not published: %w", ErrNotPermitted))
	}
	branchID := branchOrMaster(published.BranchID)
	if err := w.engine.repo.RemoveVariant(ctx, handle.ID, content.StatePublished, user.ID); err != nil {
		return err
	}
	if err := w.engine.repo.RemoveLabel(ctx, handle.ID, content.BranchLabel(branchID, content.StatePublished)); err != nil {
		return err
	}
	w.record(ctx, OpDepublish, branchID, "applied", "")
	return nil
}

// heldDraft loads the handle and its draft, refusing when the session user
// does not hold it.
func (w *DocumentWorkflow) heldDraft(ctx context.Context, op Op) (content.Handle, content.Variant, error) {
	handle, err := w.engine.repo.Handle(ctx, w.handleID)
	if err != nil {
		return content.Handle{}, content.Variant{}, err
	}
	draft, ok := handle.Variant(content.StateDraft)
	if !ok || draft.Holder != w.session.UserID() {
		return content.Handle{}, content.Variant{}, w.fail(ctx, op, draft.BranchID, fmt.Errorf("draft not held by %s: %w", w.session.UserID(), ErrNotPermitted))
	}
	return handle, draft, nil
}

// unpublishedSource finds the unpublished content a branch edits from: the
// live variant of the branch, its label, then the same for master.
func (w *DocumentWorkflow) unpublishedSource(ctx context.Context, handle content.Handle, branchID string) (string, bool, error) {
	live, hasLive := handle.Variant(content.StateUnpublished)
	for _, candidate := range []string{branchID, content.MasterBranch} {
		if hasLive && branchOrMaster(live.BranchID) == candidate {
			return live.ID, true, nil
		}
		revisionID, ok, err := w.engine.repo.LabeledRevision(ctx, handle.ID, content.BranchLabel(candidate, content.StateUnpublished))
		if err != nil {
			return "", false, err
		}
		if ok {
			return revisionID, true, nil
		}
	}
	return "", false, nil
}

func (w *DocumentWorkflow) seedDraft(ctx context.Context, handle content.Handle, branchID string) (bool, error) {
	source, ok, err := w.unpublishedSource(ctx, handle, branchID)
	if err != nil || !ok {
		return false, err
	}
	repo := w.engine.repo
	user := w.session.User()
	if _, _, isRevision := content.ParseRevisionID(source); isRevision {
		_, err = repo.CopyRevision(ctx, source, content.StateDraft, user, "Obtain editable instance")
	} else {
		_, err = repo.CopyVariant(ctx, handle.ID, content.StateUnpublished, content.StateDraft, user, "Obtain editable instance")
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *DocumentWorkflow) fail(ctx context.Context, op Op, branchID string, err error) error {
	w.record(ctx, op, branchID, "refused", err.Error())
	return fmt.Errorf("%s: %w", op, err)
}

func (w *DocumentWorkflow) record(ctx context.Context, op Op, branchID, outcome, detail string) {
	user := w.session.User()
	w.engine.log.Info("workflow call", "handle", w.handleID, "op", string(op), "user", user.ID, "branch", branchID, "outcome", outcome)
	err := w.engine.repo.RecordEvent(ctx, store.WorkflowEvent{
		HandleID: w.handleID,
		Action:   string(op),
		ActorID:  user.ID,
		BranchID: branchID,
		Outcome:  outcome,
		Detail:   detail,
	})
	if err != nil {
		w.engine.log.Warn("record workflow event failed", "handle", w.handleID, "error", err)
	}
}

type folderWorkflow struct {
	engine   *Engine
	session  *content.Session
	folderID string
}

// Delete removes a handle with all of its variants and history.
func (f *folderWorkflow) Delete(ctx context.Context, handleID string) error {
	user := f.session.User()
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionDelete) {
		return fmt.Errorf("%s: %w", OpDelete, ErrNotPermitted)
	}
	handle, err := f.engine.repo.Handle(ctx, handleID)
	if err != nil {
		return err
	}
	if f.folderID != "" && handle.FolderID != f.folderID {
		return fmt.Errorf("handle %s is not in folder %s: %w", handleID, f.folderID, content.ErrNotFound)
	}
	err = f.engine.repo.RecordEvent(ctx, store.WorkflowEvent{HandleID: handleID, Action: string(OpDelete), ActorID: user.ID, Outcome: "applied"})
	if err != nil {
		f.engine.log.Warn("record workflow event failed", "handle", handleID, "error", err)
	}
	if err := f.engine.repo.DeleteHandle(ctx, handleID, user.ID); err != nil {
		return err
	}
	if holder, err := f.engine.locks.Holder(ctx, handleID); err == nil && holder != "" {
		if err := f.engine.locks.Release(ctx, handleID, holder); err != nil {
			f.engine.log.Warn("release draft lock failed", "handle", handleID, "error", err)
		}
	}
	f.engine.log.Info("document deleted", "handle", handleID, "user", user.ID)
	return nil
}

func branchOrMaster(branchID string) string {
	if branchID == "" {
		return content.MasterBranch
	}
	return branchID
}
