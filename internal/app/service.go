package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"docflow/api/internal/auth"
	"docflow/api/internal/config"
	"docflow/api/internal/content"
	"docflow/api/internal/document"
	"docflow/api/internal/editor"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logger"
	"docflow/api/internal/observation"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
	"docflow/api/internal/util"
	"docflow/api/internal/validation"
	"docflow/api/internal/workflow"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

func (s Session) user() content.User {
	return content.User{ID: s.UserID, Name: s.UserName, Role: s.Role}
}

type UserStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SetUserRole(ctx context.Context, userID, role string) error
}

// Revoker remembers access tokens ended by logout.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Service struct {
	cfg        config.Config
	users      UserStore
	revoked    Revoker
	repo       *content.Repository
	workflows  workflow.Provider
	bus        observation.Bus
	validators *validation.Registry
	log        *logger.Logger

	mu      sync.Mutex
	editors map[string]*openEditor
}

// openEditor is one editor a user keeps open across requests.
type openEditor struct {
	id      string
	userID  string
	session *content.Session
	editor  *editor.Editor
}

type Deps struct {
	Users      UserStore
	Revoked    Revoker
	Repository *content.Repository
	Workflows  workflow.Provider
	Bus        observation.Bus
	Validators *validation.Registry
	Log        *logger.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:        cfg,
		users:      deps.Users,
		revoked:    deps.Revoked,
		repo:       deps.Repository,
		workflows:  deps.Workflows,
		bus:        deps.Bus,
		validators: deps.Validators,
		log:        logger.OrNop(deps.Log),
		editors:    make(map[string]*openEditor),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.users.Ping(ctx)
}

// Bootstrap seeds an administrator and a published welcome document on an
// empty installation.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin, err := s.users.EnsureUserByName(ctx, "Admin")
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	if admin.Role != string(rbac.RoleAdmin) {
		if err := s.users.SetUserRole(ctx, admin.ID, string(rbac.RoleAdmin)); err != nil {
			return fmt.Errorf("promote admin: %w", err)
		}
		admin.Role = string(rbac.RoleAdmin)
	}

	handles, err := s.repo.ListHandles(ctx, "root")
	if err != nil {
		return err
	}
	if len(handles) > 0 {
		return nil
	}

	user := content.User{ID: admin.ID, Name: admin.DisplayName, Role: admin.Role}
	handle, err := s.repo.CreateHandle(ctx, content.NewHandle{
		Name:         "welcome",
		DocumentType: "page",
		Content: gitrepo.Content{
			Type:    "page",
			Title:   "Welcome",
			Summary: "Start here.",
			Body:    json.RawMessage(`{"blocks":[{"type":"paragraph","text":"Edit this page to get started."}]}`),
		},
	}, user)
	if err != nil {
		return err
	}
	wf, err := s.workflows.Editable(ctx, s.repo.NewSession(user), handle.ID)
	if err != nil {
		return err
	}
	if _, err := wf.ObtainEditableInstance(ctx, content.MasterBranch); err != nil {
		return fmt.Errorf("obtain welcome draft: %w", err)
	}
	if _, err := wf.CommitEditableInstance(ctx); err != nil {
		return fmt.Errorf("commit welcome draft: %w", err)
	}
	if err := wf.Publish(ctx); err != nil {
		return fmt.Errorf("publish welcome: %w", err)
	}
	s.log.Info("bootstrap complete", "handle", handle.ID, "admin", admin.ID)
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.users.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Role, s.cfg.AccessTTL, jti)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	user, err := s.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.DisplayName,
		Role:     user.Role,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the access token and closes the editors the user left open.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revoked != nil && session.JTI != "" {
		if err := s.revoked.Revoke(ctx, session.JTI, session.ExpiresAt); err != nil {
			return err
		}
	}
	s.mu.Lock()
	var open []*openEditor
	for id, item := range s.editors {
		if item.userID == session.UserID {
			open = append(open, item)
			delete(s.editors, id)
		}
	}
	s.mu.Unlock()
	for _, item := range open {
		item.editor.Close(ctx)
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) UpdateUserRole(ctx context.Context, session Session, userID, role string) error {
	if rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only administrators change roles", nil)
	}
	return s.users.SetUserRole(ctx, userID, string(rbac.Normalize(role)))
}

type CreateDocumentInput struct {
	Name         string          `json:"name"`
	FolderID     string          `json:"folderId"`
	DocumentType string          `json:"documentType"`
	Content      gitrepo.Content `json:"content"`
}

// CreateDocument stores a new handle and locks its draft for the author.
func (s *Service) CreateDocument(ctx context.Context, session Session, in CreateDocumentInput) (content.Handle, error) {
	if !s.Can(session.Role, rbac.ActionEdit) {
		return content.Handle{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if strings.TrimSpace(in.Name) == "" {
		return content.Handle{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if in.Content.Type == "" {
		in.Content.Type = in.DocumentType
	}
	user := session.user()
	handle, err := s.repo.CreateHandle(ctx, content.NewHandle{
		Name:         in.Name,
		FolderID:     in.FolderID,
		DocumentType: in.DocumentType,
		Content:      in.Content,
	}, user)
	if err != nil {
		return content.Handle{}, err
	}
	wf, err := s.workflows.Editable(ctx, s.repo.NewSession(user), handle.ID)
	if err != nil {
		return content.Handle{}, err
	}
	if _, err := wf.ObtainEditableInstance(ctx, content.MasterBranch); err != nil {
		return content.Handle{}, fmt.Errorf("lock new draft: %w", err)
	}
	return s.repo.Handle(ctx, handle.ID)
}

func (s *Service) ListDocuments(ctx context.Context, session Session, folderID string) ([]content.Handle, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if folderID == "" {
		folderID = "root"
	}
	return s.repo.ListHandles(ctx, folderID)
}

func (s *Service) GetDocument(ctx context.Context, handleID string) (content.Handle, error) {
	return s.repo.Handle(ctx, handleID)
}

type EditorState struct {
	ID           string                 `json:"id"`
	HandleID     string                 `json:"handleId"`
	BranchID     string                 `json:"branchId"`
	Mode         document.Mode          `json:"mode"`
	Editor       string                 `json:"editor"`
	Base         string                 `json:"base,omitempty"`
	Transferable bool                   `json:"transferable"`
	Closed       bool                   `json:"closed"`
	Validity     string                 `json:"validity"`
	Capabilities *workflow.Capabilities `json:"capabilities,omitempty"`
}

// OpenEditor starts an editor on a handle, variant or revision for the
// session user.
func (s *Service) OpenEditor(ctx context.Context, session Session, nodeID, branchID string) (EditorState, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return EditorState{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if branchID != "" && branchID != content.MasterBranch && !content.ValidBranchID(branchID) {
		return EditorState{}, domainError(http.StatusUnprocessableEntity, "INVALID_BRANCH", "Invalid branch id", nil)
	}
	node, err := s.repo.Lookup(ctx, nodeID)
	if err != nil {
		return EditorState{}, err
	}
	handle := node.Handle
	if node.Kind == content.NodeRevision {
		if handle, err = s.repo.Handle(ctx, node.Revision.HandleID); err != nil {
			return EditorState{}, err
		}
	}

	contentSession := s.repo.NewSession(session.user())
	draftID := content.VariantID(handle.ID, content.StateDraft)
	source := func(ctx context.Context) (gitrepo.Content, error) {
		return contentSession.Content(ctx, draftID)
	}
	ed, err := editor.Open(ctx, nodeID, editor.Options{
		Session:    contentSession,
		BranchID:   branchID,
		Workflows:  s.workflows,
		Bus:        s.bus,
		Validators: s.validators.Validators(handle.DocumentType, source),
		Log:        s.log,
	})
	if err != nil {
		return EditorState{}, err
	}

	open := &openEditor{id: util.NewID("ed"), userID: session.UserID, session: contentSession, editor: ed}
	s.mu.Lock()
	s.editors[open.id] = open
	s.mu.Unlock()
	s.log.Info("editor opened", "editor", open.id, "handle", ed.HandleID(), "branch", ed.BranchID(), "user", session.UserID)
	return s.state(ctx, open), nil
}

func (s *Service) EditorState(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return open.editor.Refresh(ctx)
	})
}

// EditorContent returns the content shown by the editor and, when comparing,
// the content of the base.
func (s *Service) EditorContent(ctx context.Context, session Session, editorID string) (map[string]any, error) {
	open, err := s.lookupEditor(session, editorID)
	if err != nil {
		return nil, err
	}
	defer open.editor.Detach()
	model := open.editor.Model()
	body, err := open.session.Content(ctx, model.Editor)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"mode": model.Mode, "editor": model.Editor, "content": body}
	if model.Base != "" {
		base, err := open.session.Content(ctx, model.Base)
		if err != nil {
			return nil, err
		}
		out["base"] = model.Base
		out["baseContent"] = base
	}
	return out, nil
}

// SetMode returns the transition result alongside the editor state. A
// declined change is reported in the result, not as an error.
func (s *Service) SetMode(ctx context.Context, session Session, editorID, mode string) (editor.TransitionResult, EditorState, error) {
	target, ok := document.ParseMode(mode)
	if !ok {
		return editor.TransitionResult{}, EditorState{}, domainError(http.StatusBadRequest, "INVALID_MODE", "mode must be view, edit or compare", nil)
	}
	var result editor.TransitionResult
	state, err := s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		var err error
		result, err = open.editor.SetMode(ctx, target)
		return err
	})
	return result, state, err
}

func (s *Service) Stage(ctx context.Context, session Session, editorID string, body gitrepo.Content) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return open.editor.Stage(body)
	})
}

func (s *Service) Save(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return s.validationDetails(open, open.editor.Save(ctx))
	})
}

func (s *Service) Done(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return s.validationDetails(open, open.editor.Done(ctx))
	})
}

func (s *Service) SaveDraft(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return open.editor.SaveDraft(ctx)
	})
}

func (s *Service) Revert(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return open.editor.Revert(ctx)
	})
}

func (s *Service) Discard(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		return open.editor.Discard(ctx)
	})
}

func (s *Service) IsModified(ctx context.Context, session Session, editorID string) (bool, error) {
	open, err := s.lookupEditor(session, editorID)
	if err != nil {
		return false, err
	}
	defer open.editor.Detach()
	return open.editor.IsModified(ctx)
}

type ValidationReport struct {
	Validity string              `json:"validity"`
	Results  []validation.Result `json:"results"`
}

func (s *Service) Validate(ctx context.Context, session Session, editorID string) (ValidationReport, error) {
	open, err := s.lookupEditor(session, editorID)
	if err != nil {
		return ValidationReport{}, err
	}
	defer open.editor.Detach()
	validity, err := open.editor.Validate(ctx)
	if err != nil {
		return ValidationReport{}, err
	}
	return ValidationReport{Validity: validity.String(), Results: open.editor.ValidationResults()}, nil
}

func (s *Service) Publish(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		wf, err := s.workflows.Editable(ctx, open.session, open.editor.HandleID())
		if err != nil {
			return err
		}
		if err := wf.Publish(ctx); err != nil {
			return err
		}
		return open.editor.Refresh(ctx)
	})
}

func (s *Service) Depublish(ctx context.Context, session Session, editorID string) (EditorState, error) {
	return s.withEditor(ctx, session, editorID, func(open *openEditor) error {
		wf, err := s.workflows.Editable(ctx, open.session, open.editor.HandleID())
		if err != nil {
			return err
		}
		if err := wf.Depublish(ctx); err != nil {
			return err
		}
		return open.editor.Refresh(ctx)
	})
}

func (s *Service) CloseEditor(ctx context.Context, session Session, editorID string) error {
	open, err := s.lookupEditor(session, editorID)
	if err != nil {
		return err
	}
	open.editor.Close(ctx)
	s.forget(open.id)
	return nil
}

func (s *Service) AddBranch(ctx context.Context, session Session, handleID, branchID string) (content.Handle, error) {
	if !s.Can(session.Role, rbac.ActionBranch) {
		return content.Handle{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.repo.AddBranch(ctx, handleID, branchID, session.UserID)
}

func (s *Service) RemoveBranch(ctx context.Context, session Session, handleID, branchID string) error {
	if !s.Can(session.Role, rbac.ActionBranch) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.repo.RemoveBranch(ctx, handleID, branchID, session.user())
}

func (s *Service) History(ctx context.Context, handleID, state string, limit int) ([]content.Revision, error) {
	if state == "" {
		state = string(content.StateUnpublished)
	}
	if !content.ValidState(content.State(state)) {
		return nil, domainError(http.StatusBadRequest, "INVALID_STATE", "state must be draft, unpublished or published", nil)
	}
	return s.repo.Versions(ctx, handleID, content.State(state), limit)
}

func (s *Service) Labels(ctx context.Context, handleID string) ([]gitrepo.Label, error) {
	if _, err := s.repo.Handle(ctx, handleID); err != nil {
		return nil, err
	}
	return s.repo.Labels(ctx, handleID)
}

func (s *Service) Events(ctx context.Context, handleID string, limit int) ([]store.WorkflowEvent, error) {
	return s.repo.Events(ctx, handleID, limit)
}

// Shutdown closes every open editor.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	open := make([]*openEditor, 0, len(s.editors))
	for _, item := range s.editors {
		open = append(open, item)
	}
	s.editors = make(map[string]*openEditor)
	s.mu.Unlock()
	for _, item := range open {
		item.editor.Close(ctx)
	}
}

func (s *Service) withEditor(ctx context.Context, session Session, editorID string, fn func(*openEditor) error) (EditorState, error) {
	open, err := s.lookupEditor(session, editorID)
	if err != nil {
		return EditorState{}, err
	}
	defer open.editor.Detach()
	if err := fn(open); err != nil {
		return EditorState{}, err
	}
	state := s.state(ctx, open)
	if state.Closed {
		s.forget(open.id)
	}
	return state, nil
}

func (s *Service) lookupEditor(session Session, editorID string) (*openEditor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open, ok := s.editors[editorID]
	if !ok || open.userID != session.UserID {
		return nil, domainError(http.StatusNotFound, "EDITOR_NOT_FOUND", "Editor not found", nil)
	}
	return open, nil
}

func (s *Service) forget(editorID string) {
	s.mu.Lock()
	delete(s.editors, editorID)
	s.mu.Unlock()
}

func (s *Service) state(ctx context.Context, open *openEditor) EditorState {
	model := open.editor.Model()
	state := EditorState{
		ID:           open.id,
		HandleID:     open.editor.HandleID(),
		BranchID:     open.editor.BranchID(),
		Mode:         model.Mode,
		Editor:       model.Editor,
		Base:         model.Base,
		Transferable: open.editor.Transferable(),
		Closed:       open.editor.Closed(),
		Validity:     open.editor.Validity().String(),
	}
	if state.Closed {
		return state
	}
	wf, err := s.workflows.Editable(ctx, open.session, state.HandleID)
	if err != nil {
		s.log.Warn("load workflow for state failed", "editor", open.id, "error", err)
		return state
	}
	caps, err := wf.Hints(ctx, state.BranchID)
	if err != nil {
		s.log.Warn("read workflow hints failed", "editor", open.id, "error", err)
		return state
	}
	state.Capabilities = &caps
	return state
}

// validationDetails attaches the validator results to a rejected save.
func (s *Service) validationDetails(open *openEditor, err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := document.KindOf(err); !ok || kind != document.KindValidation {
		return err
	}
	var editorErr *document.EditorError
	if errors.As(err, &editorErr) && editorErr.Err != nil {
		return err
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Document is not valid", open.editor.ValidationResults())
}
