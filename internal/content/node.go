// Package content exposes handles, their live variants and stored revisions
// on top of the metadata store and the per-handle git repositories.
package content

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

type State string

const (
	StateDraft       State = "draft"
	StateUnpublished State = "unpublished"
	StatePublished   State = "published"
)

// MasterBranch is the branch every handle starts on. It cannot be removed.
const MasterBranch = "master"

var (
	ErrNotFound      = errors.New("node not found")
	ErrInvalidBranch = errors.New("invalid branch id")
	ErrMasterBranch  = errors.New("master branch cannot be removed")
	ErrNotEditable   = errors.New("only the draft variant can be edited")
	ErrNotHeld       = errors.New("draft is not held by the session user")
)

var branchPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

func ValidState(state State) bool {
	switch state {
	case StateDraft, StateUnpublished, StatePublished:
		return true
	}
	return false
}

func ValidBranchID(branchID string) bool {
	return branchPattern.MatchString(branchID)
}

// VariantID identifies the live variant of a handle in one state.
func VariantID(handleID string, state State) string {
	return handleID + "/" + string(state)
}

func ParseVariantID(id string) (string, State, bool) {
	handleID, state, ok := strings.Cut(id, "/")
	if !ok || handleID == "" || !ValidState(State(state)) {
		return "", "", false
	}
	return handleID, State(state), true
}

// RevisionID identifies one stored revision of a handle.
func RevisionID(handleID, hash string) string {
	return handleID + "@" + hash
}

func ParseRevisionID(id string) (string, string, bool) {
	handleID, hash, ok := strings.Cut(id, "@")
	if !ok || handleID == "" || hash == "" {
		return "", "", false
	}
	return handleID, hash, true
}

// HandleOf returns the handle id for a handle, variant or revision id.
func HandleOf(id string) string {
	if handleID, _, ok := ParseRevisionID(id); ok {
		return handleID
	}
	if handleID, _, ok := ParseVariantID(id); ok {
		return handleID
	}
	return id
}

// BranchLabel names the version label that marks the state of a branch.
func BranchLabel(branchID string, state State) string {
	return branchID + "-" + string(state)
}

type User struct {
	ID   string
	Name string
	Role string
}

type Variant struct {
	ID           string
	HandleID     string
	Name         string
	State        State
	BranchID     string
	Holder       string
	Transferable bool
	UpdatedAt    time.Time
}

type Handle struct {
	ID           string
	Name         string
	FolderID     string
	DocumentType string
	Branches     []string
	Children     []Variant
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Variant returns the live variant in state. Auxiliary children whose name
// differs from the handle are ignored.
func (h Handle) Variant(state State) (Variant, bool) {
	for _, child := range h.Children {
		if child.Name == h.Name && child.State == state {
			return child, true
		}
	}
	return Variant{}, false
}

// Variants counts the live variants of the handle.
func (h Handle) Variants() int {
	count := 0
	for _, child := range h.Children {
		if child.Name == h.Name {
			count++
		}
	}
	return count
}

func (h Handle) HasBranch(branchID string) bool {
	if branchID == "" || branchID == MasterBranch {
		return true
	}
	for _, branch := range h.Branches {
		if branch == branchID {
			return true
		}
	}
	return false
}

type Revision struct {
	ID        string
	HandleID  string
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type NodeKind string

const (
	NodeHandle   NodeKind = "handle"
	NodeRevision NodeKind = "revision"
)

// Node is the result of resolving an identifier: either a live handle or a
// stored revision of one.
type Node struct {
	Kind     NodeKind
	Handle   Handle
	Revision Revision
}
