package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so every surface can answer with a
// machine-readable code.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation_error"
	KindProvider     ErrorKind = "provider_error"
	KindPersistence  ErrorKind = "persistence_error"
	KindRender       ErrorKind = "render_error"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConflict  = errors.New("render already in progress")
)

// Error wraps an underlying error with its kind and the operation that
// produced it.
type Error struct {
	Kind ErrorKind
	Code string // finer-grained code, defaults to Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the machine-readable code for e.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ValidationError(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func ProviderError(op string, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

func PersistenceError(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

func RenderError(op, code string, err error) *Error {
	return &Error{Kind: KindRender, Code: code, Op: op, Err: err}
}

func ConflictError(op string) *Error {
	return &Error{Kind: KindConflict, Op: op, Err: ErrConflict}
}

// KindOf returns the kind of err, or "" when err is not classified.
// Bare ErrNotFound / ErrConflict sentinels are recognised as well.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	}
	return ""
}

// CodeOf returns the machine-readable code for err ("internal_error" when the
// error is unclassified).
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrorCode()
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "internal_error"
}
