package pgerror

import (
	"errors"
	"fmt"

	"github.com/electric-sql/pg-proxy/internal/pgerror/codes"
)

// The injector's error taxonomy. Each constructor decorates a plain error
// with the SQLSTATE code and severity a client-facing ErrorResponse should
// carry for that kind; callers match on the returned error with errors.Is
// against the sentinel below plus a type switch on the concrete kind when
// they need kind-specific fields (e.g. ParseError's line/col).
var (
	// ErrProtocol marks a wire-framing violation (impossible message length,
	// truncated header). The connection is closed after it is raised.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout marks a synthetic server request that exceeded its deadline.
	// The connection is closed after it is raised.
	ErrTimeout = errors.New("timeout error")
)

// NewProtocolError wraps a framing violation, e.g. a declared message length
// under the 4-byte header or over the configured maximum.
func NewProtocolError(reason string) error {
	err := fmt.Errorf("%w: %s", ErrProtocol, reason)
	return WithSeverity(WithCode(err, codes.ProtocolViolation), LevelFatal)
}

// NewTimeoutError wraps a synthetic request that exceeded its deadline.
func NewTimeoutError(operation string) error {
	err := fmt.Errorf("%w: %s did not complete in time", ErrTimeout, operation)
	return WithSeverity(WithCode(err, codes.QueryCanceled), LevelFatal)
}

// MixedBatchError is raised by the DDL parser when a semicolon-separated
// batch mixes a DDLX command with ordinary SQL.
type MixedBatchError struct {
	Batch string
}

func (e *MixedBatchError) Error() string {
	return fmt.Sprintf("a DDLX command cannot be mixed with ordinary SQL in one batch: %q", e.Batch)
}

// NewMixedBatchError constructs a MixedBatchError decorated with its wire
// severity and SQLSTATE code.
func NewMixedBatchError(batch string) error {
	return WithSeverity(WithCode(&MixedBatchError{Batch: batch}, codes.Syntax), LevelError)
}

// ParseError is raised by the DDLX parser on malformed `ELECTRIC …` input.
type ParseError struct {
	Line    int
	Col     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Message)
}

// NewParseError constructs a ParseError decorated with its wire severity and
// SQLSTATE code.
func NewParseError(line, col int, message string) error {
	return WithSeverity(WithCode(&ParseError{Line: line, Col: col, Message: message}, codes.Syntax), LevelError)
}

// FeatureDisabledError is raised when a DDLX command's governing feature
// flag is switched off.
type FeatureDisabledError struct {
	Flag string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("feature %q is disabled", e.Flag)
}

// NewFeatureDisabledError constructs a FeatureDisabledError.
func NewFeatureDisabledError(flag string) error {
	return WithSeverity(WithCode(&FeatureDisabledError{Flag: flag}, codes.InsufficientPrivilege), LevelError)
}

// SchemaIntrospectionError is raised by the schema loader when it cannot
// resolve the layout of a table, e.g. a DDLX command referencing a table
// that does not exist.
type SchemaIntrospectionError struct {
	Table  string
	Reason string
}

func (e *SchemaIntrospectionError) Error() string {
	return fmt.Sprintf("could not introspect table %q: %s", e.Table, e.Reason)
}

// NewSchemaIntrospectionError constructs a SchemaIntrospectionError.
func NewSchemaIntrospectionError(table, reason string) error {
	return WithSeverity(WithCode(&SchemaIntrospectionError{Table: table, Reason: reason}, codes.UndefinedTable), LevelError)
}

// PermissionsError is raised by the permissions model when a DDLX command
// contradicts the current Rules, e.g. granting on a non-electrified table.
type PermissionsError struct {
	Detail string
}

func (e *PermissionsError) Error() string {
	return fmt.Sprintf("permissions error: %s", e.Detail)
}

// NewPermissionsError constructs a PermissionsError.
func NewPermissionsError(detail string) error {
	return WithSeverity(WithCode(&PermissionsError{Detail: detail}, codes.InsufficientPrivilege), LevelError)
}

// NewUpstreamError wraps a verbatim ErrorResponse received from the
// upstream server so it can travel through internal call chains as a
// regular Go error (and, e.g., participate in errors.Is checks) before
// being forwarded byte-for-byte to the client.
func NewUpstreamError(message string, code codes.Code) error {
	return WithSeverity(WithCode(errors.New(message), code), LevelError)
}

// ConfigError is raised at startup by the configuration loader; each one
// becomes a line in the "CONFIGURATION ERROR" diagnostic block printed
// before the process exits.
type ConfigError struct {
	Variable string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Variable, e.Reason)
}
