// Package workflow guards the state transitions of a document: obtaining and
// committing the editable draft, publishing and deleting.
package workflow

import (
	"context"
	"errors"
	"time"

	"docflow/api/internal/content"
)

type Op string

const (
	OpObtainEditableInstance  Op = "obtainEditableInstance"
	OpEditDraft               Op = "editDraft"
	OpCommitEditableInstance  Op = "commitEditableInstance"
	OpDisposeEditableInstance Op = "disposeEditableInstance"
	OpSaveDraft               Op = "saveDraft"
	OpCheckModified           Op = "checkModified"
	OpPublish                 Op = "publish"
	OpDepublish               Op = "depublish"
	OpDelete                  Op = "delete"
)

var (
	ErrNotPermitted  = errors.New("workflow operation not permitted")
	ErrUnknownBranch = errors.New("branch is not known on this document")
)

// Capabilities reports which operations may be attempted right now. Extra
// carries flags the workflow declares at runtime, such as who holds the draft.
type Capabilities struct {
	ObtainEditableInstance  bool           `json:"obtainEditableInstance"`
	EditDraft               bool           `json:"editDraft"`
	CommitEditableInstance  bool           `json:"commitEditableInstance"`
	DisposeEditableInstance bool           `json:"disposeEditableInstance"`
	SaveDraft               bool           `json:"saveDraft"`
	CheckModified           bool           `json:"checkModified"`
	Publish                 bool           `json:"publish"`
	Depublish               bool           `json:"depublish"`
	Delete                  bool           `json:"delete"`
	Transferable            bool           `json:"transferable"`
	Extra                   map[string]any `json:"extra,omitempty"`
}

func (c Capabilities) Allows(op Op) bool {
	switch op {
	case OpObtainEditableInstance:
		return c.ObtainEditableInstance
	case OpEditDraft:
		return c.EditDraft
	case OpCommitEditableInstance:
		return c.CommitEditableInstance
	case OpDisposeEditableInstance:
		return c.DisposeEditableInstance
	case OpSaveDraft:
		return c.SaveDraft
	case OpCheckModified:
		return c.CheckModified
	case OpPublish:
		return c.Publish
	case OpDepublish:
		return c.Depublish
	case OpDelete:
		return c.Delete
	}
	return false
}

// Flag looks up a runtime-declared capability.
func (c Capabilities) Flag(name string) (any, bool) {
	value, ok := c.Extra[name]
	return value, ok
}

// EditableWorkflow is the workflow of one handle as seen by one session.
type EditableWorkflow interface {
	Hints(ctx context.Context, branchID string) (Capabilities, error)
	// ObtainEditableInstance locks the draft for the session user and returns
	// the draft variant id.
	ObtainEditableInstance(ctx context.Context, branchID string) (string, error)
	EditDraft(ctx context.Context) (string, error)
	// CommitEditableInstance copies the draft onto the unpublished variant and
	// returns the unpublished variant id.
	CommitEditableInstance(ctx context.Context) (string, error)
	DisposeEditableInstance(ctx context.Context) error
	IsModified(ctx context.Context) (bool, error)
	SaveDraft(ctx context.Context) (Capabilities, error)
	Publish(ctx context.Context) error
	Depublish(ctx context.Context) error
}

type FolderWorkflow interface {
	Delete(ctx context.Context, handleID string) error
}

type Provider interface {
	Editable(ctx context.Context, session *content.Session, handleID string) (EditableWorkflow, error)
	Folder(ctx context.Context, session *content.Session, folderID string) (FolderWorkflow, error)
}

// Locker holds the pessimistic draft lock.
type Locker interface {
	Acquire(ctx context.Context, handleID, userID string, ttl time.Duration) error
	Force(ctx context.Context, handleID, userID string, ttl time.Duration) error
	Release(ctx context.Context, handleID, userID string) error
	Holder(ctx context.Context, handleID string) (string, error)
}
