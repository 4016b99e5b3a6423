package bulkmail

import (
	"errors"

	"github.com/lattiq/bulkmail/internal/core"
)

// Predefined sentinel errors for common cases.
var (
	// ErrInvalidConfiguration indicates invalid configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrNoEndpoints indicates a registry was created without endpoints.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrNoEndpointAvailable indicates every endpoint is suspended, exhausted or excluded.
	ErrNoEndpointAvailable = errors.New("no usable endpoint available")

	// ErrUnknownEndpoint indicates an endpoint name that is not in the registry.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Error taxonomy re-exported from core. A job fails with exactly one of the
// DispatchError variants; compile failures may carry several.
type (
	ValidationError         = core.ValidationError
	DispatchError           = core.DispatchError
	ErrorKind               = core.ErrorKind
	CompileError            = core.CompileError
	CompileCategory         = core.CompileCategory
	TransientTransportError = core.TransientTransportError
	FatalTransportError     = core.FatalTransportError
	ExhaustionError         = core.ExhaustionError
	AggregateError          = core.AggregateError
	Phase                   = core.Phase
	RetryableError          = core.RetryableError
)

// Error kinds.
const (
	KindCompile   = core.KindCompile
	KindTransient = core.KindTransient
	KindFatal     = core.KindFatal
	KindExhausted = core.KindExhausted
)

// Compile error categories.
const (
	CategoryMissingPlaceholder      = core.CategoryMissingPlaceholder
	CategoryMissingSender           = core.CategoryMissingSender
	CategoryMissingRecipient        = core.CategoryMissingRecipient
	CategoryInvalidAddress          = core.CategoryInvalidAddress
	CategoryMissingInlineAttachment = core.CategoryMissingInlineAttachment
	CategoryMissingFileAttachment   = core.CategoryMissingFileAttachment
	CategoryMalformedAttachmentPath = core.CategoryMalformedAttachmentPath
	CategoryParse                   = core.CategoryParse
)

// Transport phases.
const (
	PhaseConnect      = core.PhaseConnect
	PhaseAuthenticate = core.PhaseAuthenticate
	PhaseMail         = core.PhaseMail
	PhaseRcpt         = core.PhaseRcpt
	PhaseData         = core.PhaseData
	PhaseTransmit     = core.PhaseTransmit
	PhaseRateLimit    = core.PhaseRateLimit
)

// Error constructor functions
var (
	NewValidationError          = core.NewValidationError
	NewValidationErrorWithValue = core.NewValidationErrorWithValue
	NewAggregateError           = core.NewAggregateError
	NewFatalError               = core.NewFatalError
	NewTransientError           = core.NewTransientError
	ClassifyTransportError      = core.ClassifyTransportError
	IsRetryable                 = core.IsRetryable
)

// AsAggregate returns the AggregateError wrapped in err, if any.
func AsAggregate(err error) (*AggregateError, bool) {
	var agg *AggregateError
	if errors.As(err, &agg) {
		return agg, true
	}
	return nil, false
}
