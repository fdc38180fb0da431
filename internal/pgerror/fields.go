package pgerror

import "errors"

// fields carries the optional ErrorResponse annotations beyond code and
// severity. They share one wrapper: a proxy error gains at most a couple
// of them, always at construction time, so a decorator per field would
// only deepen the unwrap chain Flatten has to walk.
type fields struct {
	hint           string
	detail         string
	constraintName string
	source         *Source
}

// Source points at the proxy code location that raised the error, reported
// to clients the way a real server reports its own file/line/routine.
type Source struct {
	File     string
	Line     int32
	Function string
}

type withFields struct {
	cause error
	fields
}

func (w *withFields) Error() string { return w.cause.Error() }
func (w *withFields) Unwrap() error { return w.cause }

// WithHint attaches the human-facing suggestion field.
func WithHint(err error, hint string) error {
	return annotate(err, func(f *fields) { f.hint = hint })
}

// WithDetail attaches the secondary, more verbose message field.
func WithDetail(err error, detail string) error {
	return annotate(err, func(f *fields) { f.detail = detail })
}

// WithConstraintName names the constraint a failed statement violated.
func WithConstraintName(err error, constraint string) error {
	return annotate(err, func(f *fields) { f.constraintName = constraint })
}

// WithSource attaches the raising code location.
func WithSource(err error, file string, line int32, function string) error {
	return annotate(err, func(f *fields) {
		f.source = &Source{File: file, Line: line, Function: function}
	})
}

// annotate sets one field, merging into an existing wrapper when one is
// already outermost so chained annotations add a single link to the chain.
func annotate(err error, set func(*fields)) error {
	if err == nil {
		return nil
	}

	if w, ok := err.(*withFields); ok {
		next := &withFields{cause: w.cause, fields: w.fields}
		set(&next.fields)
		return next
	}

	w := &withFields{cause: err}
	set(&w.fields)
	return w
}

// getFields returns the annotations attached to err, zero-valued when none
// were.
func getFields(err error) fields {
	var w *withFields
	if errors.As(err, &w) {
		return w.fields
	}

	return fields{}
}
