package mailgun

import (
	"context"
	"errors"
	"testing"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/bulkmail/internal/core"
)

type mockClient struct {
	sent int
	err  error
}

func (m *mockClient) Send(_ context.Context, _ *mailgun.Message) (string, string, error) {
	m.sent++
	if m.err != nil {
		return "", "", m.err
	}
	return "Queued. Thank you.", "<id@example.com>", nil
}

func endpoint() core.EndpointConfig {
	return core.EndpointConfig{
		Name:     "mailgun",
		Kind:     core.TransportMailgun,
		Settings: map[string]string{"domain": "mg.example.com"},
	}
}

func message() *core.Message {
	return &core.Message{
		From:     core.Address{Email: "from@example.com"},
		To:       []core.Address{{Email: "a@example.com"}, {Email: "b@example.com"}},
		Subject:  "Hello",
		TextBody: "hi",
	}
}

func TestNew_RequiresDomain(t *testing.T) {
	_, err := New(core.EndpointConfig{Name: "mailgun"})
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "settings.domain", ve.Field)
}

func TestTransmit_Sends(t *testing.T) {
	client := &mockClient{}
	tr := NewWithClient(endpoint(), client)

	require.NoError(t, tr.Transmit(context.Background(), message()))
	assert.Equal(t, 1, client.sent)
}

func TestTransmit_NoRecipientIsFatal(t *testing.T) {
	tr := NewWithClient(endpoint(), &mockClient{})

	err := tr.Transmit(context.Background(), &core.Message{From: core.Address{Email: "from@example.com"}})
	var fatal *core.FatalTransportError
	assert.ErrorAs(t, err, &fatal)
}

func TestTransmit_NetworkErrorIsTransient(t *testing.T) {
	tr := NewWithClient(endpoint(), &mockClient{err: errors.New("connection reset")})

	err := tr.Transmit(context.Background(), message())
	assert.True(t, core.IsRetryable(err))
}

func TestAuthenticate(t *testing.T) {
	tr, err := New(endpoint())
	require.NoError(t, err)

	err = tr.Authenticate(context.Background(), core.Credential{})
	assert.True(t, core.IsRetryable(err))

	require.NoError(t, tr.Authenticate(context.Background(), core.Credential{Password: "key-123"}))
	assert.NoError(t, tr.Disconnect())
}
