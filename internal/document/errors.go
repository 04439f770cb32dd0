package document

import "errors"

type ErrorKind string

const (
	KindRepository   ErrorKind = "repository"
	KindWorkflow     ErrorKind = "workflow"
	KindValidation   ErrorKind = "validation"
	KindInconsistent ErrorKind = "inconsistent"
)

// EditorError is the single error type surfaced by document resolution and
// the editor. Err keeps the underlying cause for errors.Is and errors.As.
type EditorError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EditorError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *EditorError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string, err error) *EditorError {
	return &EditorError{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first EditorError in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var editorErr *EditorError
	if errors.As(err, &editorErr) {
		return editorErr.Kind, true
	}
	return "", false
}
