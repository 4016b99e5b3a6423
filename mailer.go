package bulkmail

import (
	"github.com/lattiq/bulkmail/internal/core"
)

// Public interfaces for the dispatch engine
type (
	// Compiler turns a template and one record into a concrete message.
	// A failed compile must return an *AggregateError listing every problem found,
	// not only the first one. Implementations must be safe for concurrent use.
	Compiler interface {
		Compile(tmpl *Template, rec Record) (*Message, error)
	}

	// Transport is one connection to an endpoint, owned by a single worker.
	Transport = core.Transport

	// TransportFactory creates a fresh transport for an endpoint.
	TransportFactory = core.TransportFactory

	// Observer receives events from the EventBus.
	Observer func(Event)
)

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(tmpl *Template, rec Record) (*Message, error)

// Compile calls f(tmpl, rec).
func (f CompilerFunc) Compile(tmpl *Template, rec Record) (*Message, error) {
	return f(tmpl, rec)
}
