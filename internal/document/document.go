// Package document resolves which variant of a handle an editor shows and in
// which mode.
package document

// Document lists the variants reachable from one handle. Identifiers are
// empty when the variant is absent.
type Document struct {
	Unpublished  string
	Published    string
	Draft        string
	Revision     string
	Holder       bool
	Transferable bool
	// Retainable is carried for completeness and not consulted.
	Retainable bool
}

type Mode string

const (
	ModeView    Mode = "view"
	ModeEdit    Mode = "edit"
	ModeCompare Mode = "compare"
)

func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeView, ModeEdit, ModeCompare:
		return Mode(value), true
	}
	return "", false
}

// EditorModel tells the editor what to render: the variant in Editor and,
// in compare mode, the variant in Base it is compared against.
type EditorModel struct {
	Mode   Mode
	Editor string
	Base   string
}

// BuildModel maps a document to the editor model. The first matching rule
// wins: a revision is compared with unpublished, then the draft is shown
// (transferable, held, next to unpublished, next to published, alone), then
// published and unpublished.
func BuildModel(doc Document) (EditorModel, error) {
	if (doc.Holder || doc.Transferable) && doc.Draft == "" {
		return EditorModel{}, NewError(KindInconsistent, "document is held or transferable without a draft", nil)
	}

	if doc.Revision != "" {
		if doc.Unpublished == "" {
			return EditorModel{}, NewError(KindInconsistent, "revision without unpublished variant cannot be compared", nil)
		}
		return EditorModel{Mode: ModeCompare, Editor: doc.Unpublished, Base: doc.Revision}, nil
	}

	if doc.Draft != "" {
		switch {
		case doc.Transferable:
			if doc.Published != "" {
				return EditorModel{Mode: ModeCompare, Editor: doc.Draft, Base: doc.Published}, nil
			}
			if doc.Unpublished != "" {
				return EditorModel{Mode: ModeCompare, Editor: doc.Draft, Base: doc.Unpublished}, nil
			}
			return EditorModel{Mode: ModeView, Editor: doc.Draft}, nil
		case doc.Holder:
			return EditorModel{Mode: ModeEdit, Editor: doc.Draft}, nil
		case doc.Unpublished != "":
			if doc.Published != "" {
				return EditorModel{Mode: ModeCompare, Editor: doc.Unpublished, Base: doc.Published}, nil
			}
			return EditorModel{Mode: ModeView, Editor: doc.Unpublished}, nil
		case doc.Published != "":
			return EditorModel{Mode: ModeCompare, Editor: doc.Draft, Base: doc.Published}, nil
		default:
			return EditorModel{Mode: ModeView, Editor: doc.Draft}, nil
		}
	}

	switch {
	case doc.Published != "" && doc.Unpublished != "":
		return EditorModel{Mode: ModeCompare, Editor: doc.Unpublished, Base: doc.Published}, nil
	case doc.Published != "":
		return EditorModel{Mode: ModeView, Editor: doc.Published}, nil
	case doc.Unpublished != "":
		return EditorModel{Mode: ModeView, Editor: doc.Unpublished}, nil
	}
	return EditorModel{}, NewError(KindInconsistent, "document without revision, draft, unpublished or published is invalid", nil)
}
