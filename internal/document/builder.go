package document

import (
	"context"

	"docflow/api/internal/content"
)

// Source is the explicit content access the builder works against.
type Source interface {
	UserID() string
	Lookup(ctx context.Context, id string) (content.Node, error)
	LabeledRevision(ctx context.Context, handleID, label string) (string, bool, error)
}

type Builder struct {
	source   Source
	branchID string
}

// NewBuilder resolves documents for the session user on branchID. An empty
// branch means master.
func NewBuilder(source Source, branchID string) *Builder {
	if branchID == "" {
		branchID = content.MasterBranch
	}
	return &Builder{source: source, branchID: branchID}
}

func (b *Builder) Build(ctx context.Context, nodeID string) (Document, error) {
	_, doc, err := b.Resolve(ctx, nodeID)
	return doc, err
}

// Resolve builds the document for nodeID, which may name a handle, one of
// its variants or a stored revision, and returns the enclosing handle too.
func (b *Builder) Resolve(ctx context.Context, nodeID string) (content.Handle, Document, error) {
	node, err := b.source.Lookup(ctx, nodeID)
	if err != nil {
		return content.Handle{}, Document{}, NewError(KindRepository, "cannot resolve "+nodeID, err)
	}

	var doc Document
	handle := node.Handle
	if node.Kind == content.NodeRevision {
		doc.Revision = node.Revision.ID
		enclosing, err := b.source.Lookup(ctx, node.Revision.HandleID)
		if err != nil {
			return content.Handle{}, Document{}, NewError(KindRepository, "cannot resolve handle of revision "+nodeID, err)
		}
		handle = enclosing.Handle
	}

	for _, child := range handle.Children {
		if child.Name != handle.Name {
			continue
		}
		switch child.State {
		case content.StateUnpublished:
			doc.Unpublished, err = b.branchVariant(ctx, handle, child)
		case content.StatePublished:
			doc.Published, err = b.branchVariant(ctx, handle, child)
		case content.StateDraft:
			doc.Draft = child.ID
			doc.Holder = child.Holder != "" && child.Holder == b.source.UserID()
			doc.Transferable = child.Transferable
		}
		if err != nil {
			return content.Handle{}, Document{}, NewError(KindRepository, "cannot resolve "+string(child.State)+" variant of "+handle.ID, err)
		}
	}
	return handle, doc, nil
}

// branchVariant picks the identifier shown for a live unpublished or
// published child: the live variant of the branch, the version labeled for
// the branch, the live master variant, the version labeled for master, and
// finally the child itself.
func (b *Builder) branchVariant(ctx context.Context, handle content.Handle, live content.Variant) (string, error) {
	owner := live.BranchID
	if owner == "" {
		owner = content.MasterBranch
	}
	for _, branchID := range b.chain() {
		if owner == branchID {
			return live.ID, nil
		}
		revisionID, ok, err := b.source.LabeledRevision(ctx, handle.ID, content.BranchLabel(branchID, live.State))
		if err != nil {
			return "", err
		}
		if ok {
			return revisionID, nil
		}
	}
	return live.ID, nil
}

func (b *Builder) chain() []string {
	if b.branchID == content.MasterBranch {
		return []string{content.MasterBranch}
	}
	return []string{b.branchID, content.MasterBranch}
}
