package reconcile

import (
	"errors"

	"sandboxsweep.io/internal/document"
)

// Outcome is the coarse result of a pass, as reported to logs and the index.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeNotFound        Outcome = "document_not_found"
	OutcomeParseError      Outcome = "document_parse_error"
	OutcomeWriteError      Outcome = "document_write_error"
	OutcomeUnexpectedError Outcome = "unexpected_error"
)

var ErrUnexpected = errors.New("unexpected error")

// Classify maps a pass error onto its Outcome. Write errors win over everything but a missing or
// malformed document, since those abort the pass before anything is written.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, document.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, document.ErrParse):
		return OutcomeParseError
	case errors.Is(err, document.ErrWrite):
		return OutcomeWriteError
	default:
		return OutcomeUnexpectedError
	}
}
