// Package editor drives one open document editor: it keeps the displayed
// mode in step with the repository and runs the workflow calls that mode
// changes, saves and reverts require.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"docflow/api/internal/content"
	"docflow/api/internal/document"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logger"
	"docflow/api/internal/observation"
	"docflow/api/internal/validation"
	"docflow/api/internal/workflow"
)

type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	}
	return "unknown"
}

type Outcome int

const (
	Applied Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	}
	return "failed"
}

// TransitionResult reports what a mode change did. Reason explains a Failed
// outcome that was declined before any workflow call, or a Skipped one where
// the document had nothing to show in the requested mode.
type TransitionResult struct {
	Outcome Outcome
	Reason  string
}

// View renders the editor model. Start and Stop bracket every change of the
// displayed mode or variant.
type View interface {
	Start(ctx context.Context, model document.EditorModel) error
	Stop(ctx context.Context)
}

// Filter is told before and after the view closes for a mode change.
// PreClose returns state handed back to PostClose.
type Filter interface {
	PreClose(ctx context.Context) any
	PostClose(ctx context.Context, state any)
}

type Options struct {
	Session    *content.Session
	BranchID   string
	Workflows  workflow.Provider
	Bus        observation.Bus
	Validators []validation.Validator
	Filters    []Filter
	View       View
	Log        *logger.Logger
}

type Editor struct {
	mu sync.Mutex

	session    *content.Session
	branchID   string
	workflows  workflow.Provider
	builder    *document.Builder
	validators []validation.Validator
	filters    []Filter
	view       View
	log        *logger.Logger

	nodeID       string
	handleID     string
	model        document.EditorModel
	validity     Validity
	transferable bool
	closed       bool
	registration observation.Registration

	// modified is the only state touched by the observation callback.
	modified atomic.Bool
}

// Open resolves nodeID, which names a handle, a variant or a revision, and
// starts an editor in the mode the document calls for.
func Open(ctx context.Context, nodeID string, opts Options) (*Editor, error) {
	if opts.Session == nil || opts.Workflows == nil {
		return nil, errors.New("editor needs a session and a workflow provider")
	}
	branchID := opts.BranchID
	if branchID == "" {
		branchID = content.MasterBranch
	}
	e := &Editor{
		session:    opts.Session,
		branchID:   branchID,
		workflows:  opts.Workflows,
		builder:    document.NewBuilder(opts.Session, branchID),
		validators: opts.Validators,
		filters:    opts.Filters,
		view:       opts.View,
		log:        logger.OrNop(opts.Log),
		nodeID:     nodeID,
	}
	if e.view == nil {
		e.view = nopView{}
	}

	handle, doc, err := e.builder.Resolve(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !handle.HasBranch(branchID) {
		return nil, document.NewError(document.KindRepository, fmt.Sprintf("branch %s does not exist on %s", branchID, handle.ID), content.ErrNotFound)
	}
	model, err := document.BuildModel(doc)
	if err != nil {
		return nil, err
	}
	e.handleID = handle.ID
	e.model = model
	if draft, ok := handle.Variant(content.StateDraft); ok {
		e.transferable = draft.Transferable
	}

	if opts.Bus != nil {
		registration, err := opts.Bus.Subscribe(ctx, handle.ID, func(observation.Event) {
			e.modified.Store(true)
		})
		if err != nil {
			return nil, document.NewError(document.KindRepository, "cannot observe "+handle.ID, err)
		}
		e.registration = registration
	}
	if err := e.view.Start(ctx, e.model); err != nil {
		e.release()
		return nil, document.NewError(document.KindRepository, "cannot start view", err)
	}
	e.log.Debug("editor opened", "handle", e.handleID, "branch", e.branchID, "mode", string(e.model.Mode), "user", e.session.UserID())
	return e, nil
}

func (e *Editor) HandleID() string { return e.handleID }

func (e *Editor) BranchID() string { return e.branchID }

func (e *Editor) Mode() document.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Mode
}

func (e *Editor) Model() document.EditorModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

func (e *Editor) Transferable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transferable
}

func (e *Editor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Refresh re-resolves the document. A changed mode or variant restarts the
// view without calling the workflow, since the resolved model already
// reflects the repository. A removed handle or branch closes the editor.
func (e *Editor) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refresh(ctx)
}

func (e *Editor) refresh(ctx context.Context) error {
	if e.closed {
		return nil
	}
	handle, doc, err := e.builder.Resolve(ctx, e.nodeID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			e.log.Info("document removed, closing editor", "handle", e.handleID)
			e.close(ctx)
			return nil
		}
		return err
	}
	if !handle.HasBranch(e.branchID) {
		e.log.Info("branch removed, closing editor", "handle", e.handleID, "branch", e.branchID)
		e.close(ctx)
		return nil
	}
	if draft, ok := handle.Variant(content.StateDraft); ok {
		e.transferable = draft.Transferable
	}
	model, err := document.BuildModel(doc)
	if err != nil {
		return err
	}
	if e.model.Mode == document.ModeEdit && doc.Holder {
		// A saved draft stays in edit for its holder.
		model = document.EditorModel{Mode: document.ModeEdit, Editor: doc.Draft}
	}
	if model == e.model {
		return nil
	}
	e.view.Stop(ctx)
	e.model = model
	if err := e.view.Start(ctx, model); err != nil {
		return document.NewError(document.KindRepository, "cannot restart view", err)
	}
	return nil
}

// SetMode switches the displayed mode, entering or leaving edit through the
// workflow. A missing workflow capability declines the change with a Failed
// outcome and no error.
func (e *Editor) SetMode(ctx context.Context, target document.Mode) (TransitionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setMode(ctx, target)
}

func (e *Editor) setMode(ctx context.Context, target document.Mode) (TransitionResult, error) {
	if e.closed {
		return TransitionResult{Outcome: Failed, Reason: "editor is closed"}, document.NewError(document.KindInconsistent, "editor is closed", nil)
	}
	if target == e.model.Mode {
		return TransitionResult{Outcome: Skipped}, nil
	}
	current := e.model.Mode
	wf, err := e.workflows.Editable(ctx, e.session, e.handleID)
	if err != nil {
		return TransitionResult{Outcome: Failed, Reason: err.Error()}, document.NewError(document.KindWorkflow, "cannot load workflow", err)
	}
	caps, err := wf.Hints(ctx, e.branchID)
	if err != nil {
		return TransitionResult{Outcome: Failed, Reason: err.Error()}, wrap(document.KindWorkflow, "cannot read workflow hints", err)
	}

	states := make([]any, len(e.filters))
	for i, filter := range e.filters {
		states[i] = filter.PreClose(ctx)
	}
	e.view.Stop(ctx)
	for i, filter := range e.filters {
		filter.PostClose(ctx, states[i])
	}

	next, reason, err := e.transition(ctx, wf, caps, current, target)
	if err != nil || reason != "" {
		if startErr := e.view.Start(ctx, e.model); startErr != nil {
			e.log.Warn("restart view failed", "handle", e.handleID, "error", startErr)
		}
		if err != nil {
			e.log.Warn("mode change failed", "handle", e.handleID, "from", string(current), "to", string(target), "error", err)
			return TransitionResult{Outcome: Failed, Reason: err.Error()}, err
		}
		e.log.Info("mode change declined", "handle", e.handleID, "from", string(current), "to", string(target), "reason", reason)
		return TransitionResult{Outcome: Failed, Reason: reason}, nil
	}

	e.model = next
	if err := e.view.Start(ctx, next); err != nil {
		e.log.Warn("start view failed", "handle", e.handleID, "mode", string(next.Mode), "error", err)
	}
	if next.Mode != target {
		reason := fmt.Sprintf("nothing to show in %s mode, showing %s", target, next.Mode)
		e.log.Info("mode change skipped", "handle", e.handleID, "from", string(current), "to", string(target), "reason", reason)
		return TransitionResult{Outcome: Skipped, Reason: reason}, nil
	}
	e.log.Info("mode changed", "handle", e.handleID, "from", string(current), "to", string(next.Mode), "user", e.session.UserID())
	return TransitionResult{Outcome: Applied}, nil
}

// transition runs the workflow call for current -> target and returns the
// model to display. A non-empty reason means the change was declined.
func (e *Editor) transition(ctx context.Context, wf workflow.EditableWorkflow, caps workflow.Capabilities, current, target document.Mode) (document.EditorModel, string, error) {
	switch {
	case target == document.ModeEdit:
		var draftID string
		var err error
		switch {
		case caps.EditDraft && !caps.ObtainEditableInstance:
			draftID, err = wf.EditDraft(ctx)
		case !caps.ObtainEditableInstance:
			return document.EditorModel{}, "workflow does not offer " + string(workflow.OpObtainEditableInstance), nil
		default:
			draftID, err = wf.ObtainEditableInstance(ctx, e.branchID)
		}
		if err != nil {
			return document.EditorModel{}, "", wrap(document.KindWorkflow, "cannot obtain editable instance", err)
		}
		e.transferable = false
		return document.EditorModel{Mode: document.ModeEdit, Editor: draftID}, "", nil

	case current == document.ModeEdit:
		if !caps.CommitEditableInstance {
			return document.EditorModel{}, "workflow does not offer " + string(workflow.OpCommitEditableInstance), nil
		}
		if err := e.session.Save(ctx); err != nil {
			return document.EditorModel{}, "", wrap(document.KindRepository, "cannot save pending changes", err)
		}
		if _, err := wf.CommitEditableInstance(ctx); err != nil {
			return document.EditorModel{}, "", wrap(document.KindWorkflow, "cannot commit editable instance", err)
		}
		e.modified.Store(false)
	}

	_, doc, err := e.builder.Resolve(ctx, e.nodeID)
	if err != nil {
		return document.EditorModel{}, "", err
	}
	model, err := document.BuildModel(doc)
	if err != nil {
		return document.EditorModel{}, "", err
	}
	return present(target, doc, model), "", nil
}

// present adapts the resolved model to the mode the user asked for.
func present(target document.Mode, doc document.Document, model document.EditorModel) document.EditorModel {
	editorID := model.Editor
	if target == document.ModeView {
		return document.EditorModel{Mode: document.ModeView, Editor: editorID}
	}
	if model.Base != "" {
		return document.EditorModel{Mode: document.ModeCompare, Editor: editorID, Base: model.Base}
	}
	for _, base := range []string{doc.Published, doc.Unpublished, doc.Revision} {
		if base != "" && base != editorID {
			return document.EditorModel{Mode: document.ModeCompare, Editor: editorID, Base: base}
		}
	}
	return document.EditorModel{Mode: document.ModeView, Editor: editorID}
}

// Stage records edited content for the draft shown in edit mode.
func (e *Editor) Stage(body gitrepo.Content) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireEdit("stage changes"); err != nil {
		return err
	}
	if err := e.session.Stage(e.model.Editor, body); err != nil {
		return wrap(document.KindRepository, "cannot stage changes", err)
	}
	return nil
}

// Save validates and commits the draft, then obtains it again so editing
// continues.
func (e *Editor) Save(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireEdit("save"); err != nil {
		return err
	}
	if err := e.requireValid(ctx); err != nil {
		return err
	}
	wf, err := e.workflow(ctx)
	if err != nil {
		return err
	}
	if err := e.session.Save(ctx); err != nil {
		return wrap(document.KindRepository, "cannot save pending changes", err)
	}
	if _, err := wf.CommitEditableInstance(ctx); err != nil {
		return wrap(document.KindWorkflow, "cannot commit editable instance", err)
	}
	e.session.Refresh(false)
	draftID, err := wf.ObtainEditableInstance(ctx, e.branchID)
	if err != nil {
		return wrap(document.KindWorkflow, "cannot obtain editable instance", err)
	}
	e.modified.Store(false)
	e.transferable = false
	e.restart(ctx, document.EditorModel{Mode: document.ModeEdit, Editor: draftID})
	e.log.Info("document saved", "handle", e.handleID, "branch", e.branchID, "user", e.session.UserID())
	return nil
}

// Done validates and commits the draft and ends the edit session.
func (e *Editor) Done(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireEdit("finish editing"); err != nil {
		return err
	}
	if err := e.requireValid(ctx); err != nil {
		return err
	}
	wf, err := e.workflow(ctx)
	if err != nil {
		return err
	}
	if err := e.session.Save(ctx); err != nil {
		return wrap(document.KindRepository, "cannot save pending changes", err)
	}
	if _, err := wf.CommitEditableInstance(ctx); err != nil {
		return wrap(document.KindWorkflow, "cannot commit editable instance", err)
	}
	e.modified.Store(false)
	e.log.Info("editing done", "handle", e.handleID, "branch", e.branchID, "user", e.session.UserID())
	return e.refresh(ctx)
}

// SaveDraft stores the draft without validation and keeps editing. The draft
// becomes transferable, so another editor may take it over.
func (e *Editor) SaveDraft(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireEdit("save draft"); err != nil {
		return err
	}
	wf, err := e.workflow(ctx)
	if err != nil {
		return err
	}
	caps, err := wf.SaveDraft(ctx)
	if err != nil {
		return wrap(document.KindWorkflow, "cannot save draft", err)
	}
	e.transferable = caps.Transferable
	return nil
}

// Revert drops the draft edits and keeps editing. A document that only has
// its draft is deleted instead and the editor closes.
func (e *Editor) Revert(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	deleted, wf, err := e.disposeOrDelete(ctx)
	if err != nil || deleted {
		return err
	}
	draftID, err := wf.ObtainEditableInstance(ctx, e.branchID)
	if err != nil {
		return wrap(document.KindWorkflow, "cannot obtain editable instance", err)
	}
	e.modified.Store(false)
	e.transferable = false
	e.restart(ctx, document.EditorModel{Mode: document.ModeEdit, Editor: draftID})
	return nil
}

// Discard drops the draft edits and shows whatever the document resolves to.
// A document that only has its draft is deleted instead.
func (e *Editor) Discard(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	deleted, _, err := e.disposeOrDelete(ctx)
	if err != nil || deleted {
		return err
	}
	return e.refresh(ctx)
}

func (e *Editor) disposeOrDelete(ctx context.Context) (bool, workflow.EditableWorkflow, error) {
	if e.closed {
		return false, nil, document.NewError(document.KindInconsistent, "editor is closed", nil)
	}
	handle, _, err := e.builder.Resolve(ctx, e.nodeID)
	if err != nil {
		return false, nil, err
	}
	if _, ok := handle.Variant(content.StateDraft); ok && handle.Variants() == 1 {
		folder, err := e.workflows.Folder(ctx, e.session, handle.FolderID)
		if err != nil {
			return false, nil, wrap(document.KindWorkflow, "cannot load folder workflow", err)
		}
		if err := folder.Delete(ctx, handle.ID); err != nil {
			return false, nil, wrap(document.KindWorkflow, "cannot delete document", err)
		}
		e.session.Refresh(false)
		e.log.Info("document deleted with its only draft", "handle", handle.ID, "user", e.session.UserID())
		e.close(ctx)
		return true, nil, nil
	}
	wf, err := e.workflow(ctx)
	if err != nil {
		return false, nil, err
	}
	if err := wf.DisposeEditableInstance(ctx); err != nil {
		return false, nil, wrap(document.KindWorkflow, "cannot dispose editable instance", err)
	}
	e.session.Refresh(false)
	e.modified.Store(false)
	return false, wf, nil
}

// IsModified reports pending session edits until a change event arrives,
// then asks the workflow when it can tell.
func (e *Editor) IsModified(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.modified.Load() {
		return e.session.HasPendingChanges(e.handleID), nil
	}
	wf, err := e.workflow(ctx)
	if err != nil {
		return false, err
	}
	caps, err := wf.Hints(ctx, e.branchID)
	if err != nil {
		return false, wrap(document.KindWorkflow, "cannot read workflow hints", err)
	}
	if !caps.CheckModified {
		return true, nil
	}
	modified, err := wf.IsModified(ctx)
	if err != nil {
		return false, wrap(document.KindWorkflow, "cannot check modification", err)
	}
	return modified, nil
}

// Validate runs every validator and caches the combined result.
func (e *Editor) Validate(ctx context.Context) (Validity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validate(ctx)
}

func (e *Editor) validate(ctx context.Context) (Validity, error) {
	validity := ValidityValid
	for _, validator := range e.validators {
		if err := validator.Validate(ctx); err != nil {
			e.validity = ValidityUnknown
			return ValidityUnknown, wrap(document.KindValidation, "validator failed", err)
		}
		if !validator.ValidationResult().Valid {
			validity = ValidityInvalid
		}
	}
	e.validity = validity
	return validity, nil
}

// IsValid returns the cached validity, validating first when unknown.
func (e *Editor) IsValid(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.validity == ValidityUnknown {
		if _, err := e.validate(ctx); err != nil {
			return false, err
		}
	}
	return e.validity == ValidityValid, nil
}

func (e *Editor) Validity() Validity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validity
}

// ValidationResults returns the last result of every validator.
func (e *Editor) ValidationResults() []validation.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	results := make([]validation.Result, 0, len(e.validators))
	for _, validator := range e.validators {
		results = append(results, validator.ValidationResult())
	}
	return results
}

// Detach ends a request: the cached validity is dropped.
func (e *Editor) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validity = ValidityUnknown
}

func (e *Editor) Close(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.close(ctx)
}

func (e *Editor) close(ctx context.Context) {
	if e.closed {
		return
	}
	e.closed = true
	e.view.Stop(ctx)
	e.release()
}

func (e *Editor) release() {
	if e.registration == nil {
		return
	}
	if err := e.registration.Close(); err != nil {
		e.log.Warn("close observation failed", "handle", e.handleID, "error", err)
	}
	e.registration = nil
}

func (e *Editor) restart(ctx context.Context, model document.EditorModel) {
	e.view.Stop(ctx)
	e.model = model
	if err := e.view.Start(ctx, model); err != nil {
		e.log.Warn("restart view failed", "handle", e.handleID, "error", err)
	}
}

func (e *Editor) workflow(ctx context.Context) (workflow.EditableWorkflow, error) {
	wf, err := e.workflows.Editable(ctx, e.session, e.handleID)
	if err != nil {
		return nil, wrap(document.KindWorkflow, "cannot load workflow", err)
	}
	return wf, nil
}

func (e *Editor) requireEdit(action string) error {
	if e.closed {
		return document.NewError(document.KindInconsistent, "editor is closed", nil)
	}
	if e.model.Mode != document.ModeEdit {
		return document.NewError(document.KindInconsistent, "cannot "+action+" outside edit mode", nil)
	}
	return nil
}

func (e *Editor) requireValid(ctx context.Context) error {
	if e.validity == ValidityUnknown {
		if _, err := e.validate(ctx); err != nil {
			return err
		}
	}
	if e.validity == ValidityInvalid {
		return document.NewError(document.KindValidation, "document is not valid", nil)
	}
	return nil
}

// wrap keeps an existing EditorError and wraps anything else.
func wrap(kind document.ErrorKind, message string, err error) error {
	var editorErr *document.EditorError
	if errors.As(err, &editorErr) {
		return err
	}
	return document.NewError(kind, message, err)
}

type nopView struct{}

func (nopView) Start(context.Context, document.EditorModel) error { return nil }

func (nopView) Stop(context.Context) {}
