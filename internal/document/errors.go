package document

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrParse    = errors.New("document parse error")
	ErrWrite    = errors.New("document write error")
)

type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// WriteError is returned when a mutated document could not be persisted. The file on disk
// still holds its previous content.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWrite }
