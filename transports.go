package bulkmail

import (
	"fmt"

	"github.com/lattiq/bulkmail/internal/transport/mailgun"
	"github.com/lattiq/bulkmail/internal/transport/sendgrid"
	"github.com/lattiq/bulkmail/internal/transport/ses"
	"github.com/lattiq/bulkmail/internal/transport/smtp"
)

// DefaultTransportFactory creates the built-in transport for endpoint.Kind.
func DefaultTransportFactory(endpoint EndpointConfig) (Transport, error) {
	switch endpoint.Kind {
	case TransportSMTP, "":
		return smtp.New(endpoint)
	case TransportSES:
		return ses.New(endpoint)
	case TransportSendGrid:
		return sendgrid.New(endpoint)
	case TransportMailgun:
		return mailgun.New(endpoint)
	default:
		return nil, fmt.Errorf("%w: unsupported transport kind %q", ErrInvalidConfiguration, endpoint.Kind)
	}
}
