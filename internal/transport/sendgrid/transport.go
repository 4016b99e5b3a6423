// Package sendgrid delivers messages through the SendGrid v3 mail send API.
package sendgrid

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/transport/mimemsg"
)

// API sends a prepared SendGrid message.
type API interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Transport implements core.Transport for SendGrid. The API key is taken from the
// credential password during Authenticate.
type Transport struct {
	endpoint core.EndpointConfig
	client   API
}

// New creates an unauthenticated SendGrid transport.
func New(endpoint core.EndpointConfig) (core.Transport, error) {
	if endpoint.Credential == nil || endpoint.Credential.Password == "" {
		return nil, core.NewValidationError("credential.password", "SendGrid API key is required")
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
		return core.NewTransientError(t.endpoint.Name, core.PhaseAuthenticate, errors.New("SendGrid API key is required"))
	}
	if t.client == nil {
		t.client = sendgrid.NewSendClient(credential.Password)
	}
	return nil
}

// Transmit posts the message. 400 responses are content rejections, everything else
// at or above 400 may succeed elsewhere.
func (t *Transport) Transmit(ctx context.Context, msg *core.Message) error {
	if t.client == nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseTransmit, errors.New("sendgrid: not authenticated"))
	}

	message, err := buildMessage(msg)
	if err != nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseData, err)
	}

	response, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseTransmit, fmt.Errorf("failed to send email: %w", err))
	}

	switch {
	case response.StatusCode == http.StatusBadRequest:
		return core.NewFatalError(t.endpoint.Name, core.PhaseTransmit, response.StatusCode,
			fmt.Errorf("SendGrid API error: %s", response.Body))
	case response.StatusCode >= 400:
		return core.NewTransientError(t.endpoint.Name, core.PhaseTransmit,
			fmt.Errorf("SendGrid API error %d: %s", response.StatusCode, response.Body))
	}
	return nil
}

func (t *Transport) Disconnect() error {
	return nil
}

func buildMessage(msg *core.Message) (*mail.SGMailV3, error) {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(msg.From.Name, msg.From.Email))
	message.Subject = msg.Subject

	if msg.TextBody != "" {
		message.AddContent(mail.NewContent("text/plain", msg.TextBody))
	}
	if msg.HTMLBody != "" {
		message.AddContent(mail.NewContent("text/html", msg.HTMLBody))
	}

	personalization := mail.NewPersonalization()
	for _, recipient := range msg.To {
		personalization.AddTos(mail.NewEmail(recipient.Name, recipient.Email))
	}
	for _, recipient := range msg.CC {
		personalization.AddCCs(mail.NewEmail(recipient.Name, recipient.Email))
	}
	for _, recipient := range msg.BCC {
		personalization.AddBCCs(mail.NewEmail(recipient.Name, recipient.Email))
	}
	message.AddPersonalizations(personalization)

	if len(msg.ReplyTo) > 0 {
		message.SetReplyTo(mail.NewEmail(msg.ReplyTo[0].Name, msg.ReplyTo[0].Email))
	}

	for key, value := range msg.Headers {
		message.SetHeader(key, value)
	}
	for key, value := range mimemsg.PriorityHeaders(msg.Priority) {
		message.SetHeader(key, value)
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		data, err := a.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", a.Name(), err)
		}
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(data))
		att.SetType(a.DetectContentType())
		att.SetFilename(a.Name())
		if a.Inline {
			att.SetDisposition("inline")
			att.SetContentID(a.ContentID)
		} else {
			att.SetDisposition("attachment")
		}
		message.AddAttachment(att)
	}

	return message, nil
}
