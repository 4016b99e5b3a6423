// Package ses submits raw MIME messages through Amazon Simple Email Service.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/transport/mimemsg"
)

// API is the subset of the SES client used by the transport.
type API interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// Transport implements core.Transport for SES. Connect loads the AWS configuration,
// Authenticate swaps in static credentials.
type Transport struct {
	endpoint core.EndpointConfig
	cfg      aws.Config
	client   API
}

// New creates an unconnected SES transport.
func New(endpoint core.EndpointConfig) (core.Transport, error) {
	if endpoint.Get("region") == "" {
		return nil, core.NewValidationError("settings.region", "AWS region is required")
	}
	return &Transport{endpoint: endpoint}, nil
}

// NewWithClient creates a transport around an existing SES client.
func NewWithClient(endpoint core.EndpointConfig, client API) *Transport {
	return &Transport{endpoint: endpoint, client: client}
}

func (t *Transport) Connect(ctx context.Context, endpoint core.EndpointConfig) error {
	t.endpoint = endpoint
	if t.client != nil {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(endpoint.Get("region")))
	if err != nil {
		return core.NewTransientError(endpoint.Name, core.PhaseConnect, fmt.Errorf("failed to load AWS config: %w", err))
	}
	t.cfg = cfg
	t.client = ses.NewFromConfig(cfg)
	return nil
}

func (t *Transport) Authenticate(ctx context.Context, credential core.Credential) error {
	if credential.Username == "" || credential.Password == "" {
		return core.NewTransientError(t.endpoint.Name, core.PhaseAuthenticate,
			errors.New("access key and secret key are required"))
	}
	if _, ok := t.client.(*ses.Client); !ok && t.client != nil {
		// injected client, credentials are its own concern
		return nil
	}

	t.cfg.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     credential.Username,
			SecretAccessKey: credential.Password,
			SessionToken:    t.endpoint.Get("session_token"),
		}, nil
	})
	t.client = ses.NewFromConfig(t.cfg)
	return nil
}

// Transmit sends the rendered message with SendRawEmail.
func (t *Transport) Transmit(ctx context.Context, msg *core.Message) error {
	if t.client == nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseTransmit, errors.New("ses: not connected"))
	}

	raw, err := mimemsg.Render(msg)
	if err != nil {
		return core.NewTransientError(t.endpoint.Name, core.PhaseData, err)
	}

	input := &ses.SendRawEmailInput{
		Source:       aws.String(msg.From.Email),
		Destinations: destinations(msg),
		RawMessage:   &types.RawMessage{Data: raw},
	}
	if configSet := t.endpoint.Get("configuration_set"); configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}

	if _, err := t.client.SendRawEmail(ctx, input); err != nil {
		return classify(t.endpoint.Name, err)
	}
	return nil
}

func (t *Transport) Disconnect() error {
	return nil
}

func classify(endpoint string, err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return core.NewFatalError(endpoint, core.PhaseTransmit, 400, err)
	}
	var unverified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &unverified) {
		return core.NewFatalError(endpoint, core.PhaseMail, 400, err)
	}
	return core.NewTransientError(endpoint, core.PhaseTransmit, fmt.Errorf("failed to send email: %w", err))
}

func destinations(msg *core.Message) []string {
	all := msg.AllRecipients()
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.Email
	}
	return out
}
