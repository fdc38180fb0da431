// Package pgerror decorates plain Go errors with the fields the Postgres
// wire protocol expects an ErrorResponse message to carry: SQLSTATE code,
// severity, hint, detail, constraint name and source location. The error
// kinds the proxy raises are the constructors in kinds.go; Flatten is the
// single point where any of them becomes a wire message.
package pgerror

import "github.com/electric-sql/pg-proxy/internal/pgerror/codes"

// Error is the flattened view of one error, field for field what an
// ErrorResponse message carries. See
// https://www.postgresql.org/docs/current/static/protocol-error-fields.html
// for the full field list; most are optional.
type Error struct {
	Code           codes.Code
	Message        string
	Detail         string
	Hint           string
	Severity       Severity
	ConstraintName string
	Source         *Source
}

// Flatten collapses a decorated error chain into the Error the injector
// writes to the client. A nil error still produces a well-formed response,
// flagged as internal, since swallowing it would leave the client waiting
// on a reply that never comes.
func Flatten(err error) Error {
	if err == nil {
		return Error{
			Code:     codes.Internal,
			Message:  "unknown error, an internal process attempted to throw an error",
			Severity: LevelFatal,
		}
	}

	f := getFields(err)
	return Error{
		Code:           GetCode(err),
		Message:        err.Error(),
		Severity:       GetSeverity(err),
		ConstraintName: f.constraintName,
		Hint:           f.hint,
		Detail:         f.detail,
		Source:         f.source,
	}
}
