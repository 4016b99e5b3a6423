package core

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with a value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ErrorKind tags the variants of DispatchError.
type ErrorKind int

const (
	KindCompile ErrorKind = iota
	KindTransient
	KindFatal
	KindExhausted
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindCompile:
		return "compile"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// DispatchError is the closed set of job level failures:
// *CompileError, *TransientTransportError, *FatalTransportError and *ExhaustionError.
type DispatchError interface {
	error
	Kind() ErrorKind
	dispatchError()
}

// CompileCategory classifies a single compile problem.
type CompileCategory string

const (
	CategoryMissingPlaceholder      CompileCategory = "missing_placeholder"
	CategoryMissingSender           CompileCategory = "missing_sender"
	CategoryMissingRecipient        CompileCategory = "missing_recipient"
	CategoryInvalidAddress          CompileCategory = "invalid_address"
	CategoryMissingInlineAttachment CompileCategory = "missing_inline_attachment"
	CategoryMissingFileAttachment   CompileCategory = "missing_file_attachment"
	CategoryMalformedAttachmentPath CompileCategory = "malformed_attachment_path"
	CategoryParse                   CompileCategory = "parse"
)

// CompileError is one problem found while turning a template and a record into a message.
type CompileError struct {
	Category CompileCategory

	// Field is the template field the problem was found in (subject, html_body, attachments[2], ...).
	Field string

	// Value carries the offending placeholder name, address or path.
	Value string

	Cause error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("compile error [")
	b.WriteString(string(e.Category))
	b.WriteString("]")
	if e.Field != "" {
		b.WriteString(" in ")
		b.WriteString(e.Field)
	}
	if e.Value != "" {
		b.WriteString(": ")
		b.WriteString(e.Value)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *CompileError) Unwrap() error   { return e.Cause }
func (e *CompileError) Kind() ErrorKind { return KindCompile }
func (e *CompileError) dispatchError()  {}

// Phase names the transport step that failed.
type Phase string

const (
	PhaseConnect      Phase = "connect"
	PhaseAuthenticate Phase = "authenticate"
	PhaseMail         Phase = "mail"
	PhaseRcpt         Phase = "rcpt"
	PhaseData         Phase = "data"
	PhaseTransmit     Phase = "transmit"
	PhaseRateLimit    Phase = "rate_limit"
)

// TransientTransportError is a connection, authentication, protocol or unclassified failure.
// The job may be retried on the next usable endpoint.
type TransientTransportError struct {
	Endpoint string
	Phase    Phase
	Cause    error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error on %s during %s: %v", e.Endpoint, e.Phase, e.Cause)
}

func (e *TransientTransportError) Unwrap() error   { return e.Cause }
func (e *TransientTransportError) Kind() ErrorKind { return KindTransient }
func (e *TransientTransportError) dispatchError()  {}

// Retryable reports that the job may be attempted again elsewhere.
func (e *TransientTransportError) Retryable() bool { return true }

// FatalTransportError means the destination explicitly rejected the sender, a recipient
// or the message content. The job must not be retried on any endpoint.
type FatalTransportError struct {
	Endpoint string
	Phase    Phase

	// Code is the SMTP reply code or HTTP status, when known.
	Code  int
	Cause error
}

func (e *FatalTransportError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("message rejected by %s during %s (code %d): %v", e.Endpoint, e.Phase, e.Code, e.Cause)
	}
	return fmt.Sprintf("message rejected by %s during %s: %v", e.Endpoint, e.Phase, e.Cause)
}

func (e *FatalTransportError) Unwrap() error   { return e.Cause }
func (e *FatalTransportError) Kind() ErrorKind { return KindFatal }
func (e *FatalTransportError) dispatchError()  {}

// Retryable implements RetryableError.
func (e *FatalTransportError) Retryable() bool { return false }

// ExhaustionError is raised when no usable endpoint is left for a job. Causes holds
// every failure encountered on the way.
type ExhaustionError struct {
	Attempts int
	Causes   []error
}

func (e *ExhaustionError) Error() string {
	if len(e.Causes) == 0 {
		return "no usable endpoint available"
	}
	return fmt.Sprintf("all endpoints exhausted after %d attempts: %v", e.Attempts, e.Causes[len(e.Causes)-1])
}

func (e *ExhaustionError) Unwrap() []error { return e.Causes }
func (e *ExhaustionError) Kind() ErrorKind { return KindExhausted }
func (e *ExhaustionError) dispatchError()  {}

// RetryableError interface indicates whether an error can be retried.
type RetryableError interface {
	Retryable() bool
}

// IsRetryable checks if an error is eligible for endpoint failover.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

// NewFatalError creates a rejection error for transports that recognise one.
func NewFatalError(endpoint string, phase Phase, code int, cause error) *FatalTransportError {
	return &FatalTransportError{Endpoint: endpoint, Phase: phase, Code: code, Cause: cause}
}

// NewTransientError creates a failover eligible transport error.
func NewTransientError(endpoint string, phase Phase, cause error) *TransientTransportError {
	return &TransientTransportError{Endpoint: endpoint, Phase: phase, Cause: cause}
}

// ClassifyTransportError maps an error returned by a Transport to a DispatchError.
// Typed errors pass through. SMTP permanent replies (5xx) to MAIL, RCPT or DATA are
// fatal, except authentication and policy refusals of the session. Everything else,
// including unknown errors, is transient.
func ClassifyTransportError(endpoint string, phase Phase, err error) DispatchError {
	var fatal *FatalTransportError
	if errors.As(err, &fatal) {
		return fatal
	}
	var transient *TransientTransportError
	if errors.As(err, &transient) {
		return transient
	}

	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 && tp.Code < 600 && !endpointRefusal(tp) {
		switch phase {
		case PhaseMail, PhaseRcpt, PhaseData, PhaseTransmit:
			return NewFatalError(endpoint, phase, tp.Code, err)
		}
	}
	return NewTransientError(endpoint, phase, err)
}

// endpointRefusal reports replies that refuse the session rather than the message:
// authentication required, too weak, invalid or needing encryption. Another endpoint
// may still accept the message.
func endpointRefusal(tp *textproto.Error) bool {
	switch tp.Code {
	case 530, 534, 535, 538:
		return true
	}
	status, _, _ := strings.Cut(strings.TrimSpace(tp.Msg), " ")
	return status == "5.7.0" || status == "5.7.8"
}

// AggregateError bundles every independent problem found for one job so the caller can
// fix all of them from one report.
type AggregateError struct {
	errs []DispatchError
}

// NewAggregateError creates an aggregate from the given errors.
func NewAggregateError(errs ...DispatchError) *AggregateError {
	a := &AggregateError{}
	for _, err := range errs {
		a.Add(err)
	}
	return a
}

// Add appends a sub-error. Nil values are ignored.
func (a *AggregateError) Add(err DispatchError) {
	if err == nil {
		return
	}
	a.errs = append(a.errs, err)
}

// Len returns the number of sub-errors.
func (a *AggregateError) Len() int {
	if a == nil {
		return 0
	}
	return len(a.errs)
}

// Errors returns a copy of the sub-errors in the order they were found.
func (a *AggregateError) Errors() []DispatchError {
	if a == nil {
		return nil
	}
	return append([]DispatchError(nil), a.errs...)
}

// Unwrap lets errors.Is and errors.As look into every sub-error.
func (a *AggregateError) Unwrap() []error {
	out := make([]error, len(a.errs))
	for i, err := range a.errs {
		out[i] = err
	}
	return out
}

// Count returns how many compile errors of the given category are present.
func (a *AggregateError) Count(category CompileCategory) int {
	n := 0
	for _, err := range a.errs {
		if ce, ok := err.(*CompileError); ok && ce.Category == category {
			n++
		}
	}
	return n
}

// Categories returns the distinct compile categories in first-seen order.
func (a *AggregateError) Categories() []CompileCategory {
	var out []CompileCategory
	seen := make(map[CompileCategory]bool)
	for _, err := range a.errs {
		ce, ok := err.(*CompileError)
		if !ok || seen[ce.Category] {
			continue
		}
		seen[ce.Category] = true
		out = append(out, ce.Category)
	}
	return out
}

// KindCount returns how many sub-errors have the given kind.
func (a *AggregateError) KindCount(kind ErrorKind) int {
	n := 0
	for _, err := range a.errs {
		if err.Kind() == kind {
			n++
		}
	}
	return n
}

// ErrorOrNil returns nil when the aggregate is empty.
func (a *AggregateError) ErrorOrNil() error {
	if a.Len() == 0 {
		return nil
	}
	return a
}

func (a *AggregateError) Error() string {
	switch len(a.errs) {
	case 0:
		return "no errors"
	case 1:
		return a.errs[0].Error()
	}
	parts := make([]string, len(a.errs))
	for i, err := range a.errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(a.errs), strings.Join(parts, "; "))
}
