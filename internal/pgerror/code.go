package pgerror

import (
	"errors"

	"github.com/electric-sql/pg-proxy/internal/pgerror/codes"
)

// WithCode decorates err with the SQLSTATE code its ErrorResponse should
// carry. Every error kind in this package is coded exactly once, at
// construction, so the outermost code in a chain is authoritative.
func WithCode(err error, code codes.Code) error {
	if err == nil {
		return nil
	}

	return &withCode{cause: err, code: code}
}

// GetCode returns the SQLSTATE code attached to err, or Uncategorized when
// the error reached the wire without passing through one of this package's
// constructors.
func GetCode(err error) codes.Code {
	var w *withCode
	if errors.As(err, &w) {
		return w.code
	}

	return codes.Uncategorized
}

type withCode struct {
	cause error
	code  codes.Code
}

func (w *withCode) Error() string { return w.cause.Error() }
func (w *withCode) Unwrap() error { return w.cause }
