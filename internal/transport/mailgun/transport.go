// Package mailgun delivers messages through the Mailgun messages API.
package mailgun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/transport/mimemsg"
)

// API sends a prepared Mailgun message.
type API interface {
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// sendFunc adapts the Mailgun client to API.
type sendFunc func(ctx context.Context, m *mailgun.Message) (string, string, error)

func (f sendFunc) Send(ctx context.Context, m *mailgun.Message) (string, string, error) {
	return f(ctx, m)
}

// Transport implements core.Transport for Mailgun. The API key is the credential password.
type Transport struct {
	endpoint core.EndpointConfig
	client   API
}

// New creates an unauthenticated Mailgun transport.
func New(endpoint core.EndpointConfig) (core.Transport, error) {
	if endpoint.Get("domain") == "" {
		return nil, core.NewValidationError("settings.domain", "Mailgun domain is required")
	}
	return &Transport{endpoint: endpoint}, nil
}

// NewWithClient creates a transport around an existing client.
func NewWithClient(endpoint core.EndpointConfig, client API) *Transport {
	return &Transport{endpoint: endpoint, client: client}
}

func (t *Transport) Connect(_ context.Context, endpoint core.EndpointConfig) error {
	t.endpoint = endpoint
	return nil
}

func (t *Transport) Authenticate(_ context.Context, credential core.Credential) error {
	if credential.Password == "" {
		return core.NewTransientError(t.endpoint.Name, core.PhaseAuthenticate, errors.New("Mailgun API key is required"))
	}
	if t.client != nil {
		return nil
	}

	client := mailgun.NewMailgun(t.endpoint.Get("domain"), credential.Password)
	// EU accounts use https://api.eu.mailgun.net
	if baseURL := t.endpoint.Get("base_url"); baseURL != "" {
		client.SetAPIBase(baseURL)
	}
	t.client = sendFunc(func(ctx context.Context, m *mailgun.Message) (string, string, error) {
		return client.Send(ctx, m)
	})
	return nil
}

func (t *Transport) Transmit(ctx context.Context, msg *core.Message) error {
	if t.client == nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseTransmit, errors.New("mailgun: not authenticated"))
	}
	if len(msg.To) == 0 {
		return core.NewFatalError(t.endpoint.Name, core.PhaseRcpt, 0, errors.New("at least one recipient is required"))
	}

	message := mailgun.NewMessage(msg.From.String(), msg.Subject, msg.TextBody, msg.To[0].String())
	for _, to := range msg.To[1:] {
		if err := message.AddRecipient(to.String()); err != nil {
			return core.NewFatalError(t.endpoint.Name, core.PhaseRcpt, 0,
				fmt.Errorf("failed to add recipient %s: %w", to.String(), err))
		}
	}
	for _, cc := range msg.CC {
		message.AddCC(cc.String())
	}
	for _, bcc := range msg.BCC {
		message.AddBCC(bcc.String())
	}
	if msg.HTMLBody != "" {
		message.SetHTML(msg.HTMLBody)
	}
	for key, value := range msg.Headers {
		message.AddHeader(key, value)
	}
	for key, value := range mimemsg.PriorityHeaders(msg.Priority) {
		message.AddHeader(key, value)
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		data, err := a.ReadAll()
		if err != nil {
			return core.NewTransientError(t.endpoint.Name, core.PhaseData,
				fmt.Errorf("failed to read attachment %s: %w", a.Name(), err))
		}
		if a.Inline {
			message.AddReaderInline(a.Name(), io.NopCloser(bytes.NewReader(data)))
			continue
		}
		message.AddBufferAttachment(a.Name(), data)
	}

	if _, _, err := t.client.Send(ctx, message); err != nil {
		return classify(t.endpoint.Name, err)
	}
	return nil
}

func (t *Transport) Disconnect() error {
	return nil
}

func classify(endpoint string, err error) error {
	if status := mailgun.GetStatusFromErr(err); status == http.StatusBadRequest {
		return core.NewFatalError(endpoint, core.PhaseTransmit, status, err)
	}
	return core.NewTransientError(endpoint, core.PhaseTransmit, fmt.Errorf("failed to send email: %w", err))
}
