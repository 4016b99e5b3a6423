// Package smtp drives an SMTP submission server through net/smtp, one protocol phase per
// Transport call.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/lattiq/bulkmail/internal/core"
	"github.com/lattiq/bulkmail/internal/transport/mimemsg"
)

const defaultTimeout = 30 * time.Second

var errNotConnected = errors.New("smtp: not connected")

// Transport implements core.Transport for SMTP endpoints.
type Transport struct {
	endpoint core.EndpointConfig
	dialer   *net.Dialer
	conn     net.Conn
	client   *smtp.Client
}

// New creates an unconnected SMTP transport.
func New(endpoint core.EndpointConfig) (core.Transport, error) {
	if endpoint.Host == "" {
		return nil, core.NewValidationError("host", "SMTP host is required")
	}
	if endpoint.Port <= 0 || endpoint.Port > 65535 {
		return nil, core.NewValidationErrorWithValue("port", "invalid port number", endpoint.Port)
	}
	return &Transport{
		endpoint: endpoint,
		dialer:   &net.Dialer{Timeout: timeoutOf(endpoint)},
	}, nil
}

// Connect dials the server, negotiates TLS according to the security mode and sends EHLO.
func (t *Transport) Connect(ctx context.Context, endpoint core.EndpointConfig) error {
	if t.client != nil {
		return nil
	}
	t.endpoint = endpoint

	conn, err := t.dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return t.classify(core.PhaseConnect, fmt.Errorf("connect to %s: %w", endpoint.Address(), err))
	}
	t.extend(ctx, conn)

	if endpoint.Security == core.SecurityTLS {
		tlsConn := tls.Client(conn, t.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return t.classify(core.PhaseConnect, fmt.Errorf("TLS handshake: %w", err))
		}
		conn = tlsConn
	}

	c, err := smtp.NewClient(conn, endpoint.Host)
	if err != nil {
		conn.Close()
		return t.classify(core.PhaseConnect, fmt.Errorf("SMTP greeting: %w", err))
	}

	if endpoint.ClientHostname != "" {
		if err := c.Hello(endpoint.ClientHostname); err != nil {
			c.Close()
			return t.classify(core.PhaseConnect, fmt.Errorf("EHLO: %w", err))
		}
	}

	if endpoint.Security == core.SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return t.classify(core.PhaseConnect, errors.New("server does not advertise STARTTLS"))
		}
		if err := c.StartTLS(t.tlsConfig()); err != nil {
			c.Close()
			return t.classify(core.PhaseConnect, fmt.Errorf("STARTTLS: %w", err))
		}
	}

	t.conn = conn
	t.client = c
	return nil
}

// Authenticate performs AUTH PLAIN with the credential.
func (t *Transport) Authenticate(ctx context.Context, credential core.Credential) error {
	if t.client == nil {
		return t.classify(core.PhaseAuthenticate, errNotConnected)
	}
	t.extend(ctx, t.conn)

	if ok, _ := t.client.Extension("AUTH"); !ok {
		return t.classify(core.PhaseAuthenticate, errors.New("server does not support AUTH"))
	}

	var auth smtp.Auth
	if t.endpoint.Get("auth_insecure") == "true" {
		auth = &plainAuth{user: credential.Username, pass: credential.Password}
	} else {
		auth = smtp.PlainAuth("", credential.Username, credential.Password, t.endpoint.Host)
	}
	if err := t.client.Auth(auth); err != nil {
		return t.classify(core.PhaseAuthenticate, fmt.Errorf("AUTH: %w", err))
	}
	return nil
}

// Transmit runs one MAIL, RCPT, DATA transaction. A failed transaction is reset so the
// connection stays usable for the next message.
func (t *Transport) Transmit(ctx context.Context, msg *core.Message) error {
	if t.client == nil {
		return t.classify(core.PhaseTransmit, errNotConnected)
	}
	t.extend(ctx, t.conn)

	if err := t.client.Mail(msg.From.Email); err != nil {
		return t.abort(core.PhaseMail, fmt.Errorf("MAIL FROM: %w", err))
	}
	for _, rcpt := range msg.AllRecipients() {
		if err := t.client.Rcpt(rcpt.Email); err != nil {
			return t.abort(core.PhaseRcpt, fmt.Errorf("RCPT TO %s: %w", rcpt.Email, err))
		}
	}

	w, err := t.client.Data()
	if err != nil {
		return t.abort(core.PhaseData, fmt.Errorf("DATA: %w", err))
	}
	if err := mimemsg.WriteTo(w, msg); err != nil {
		w.Close()
		return t.abort(core.PhaseData, err)
	}
	if err := w.Close(); err != nil {
		return t.abort(core.PhaseData, fmt.Errorf("DATA close: %w", err))
	}
	return nil
}

// Disconnect sends QUIT and closes the connection.
func (t *Transport) Disconnect() error {
	if t.client == nil {
		return nil
	}
	c := t.client
	t.client = nil
	t.conn = nil

	if err := c.Quit(); err != nil {
		c.Close()
		return fmt.Errorf("QUIT: %w", err)
	}
	return nil
}

func (t *Transport) abort(phase core.Phase, err error) error {
	// RSET failures surface on the next command.
	_ = t.client.Reset()
	return t.classify(phase, err)
}

func (t *Transport) classify(phase core.Phase, err error) error {
	return core.ClassifyTransportError(t.endpoint.Name, phase, err)
}

// extend moves the connection deadline forward by one attempt timeout, capped by ctx.
func (t *Transport) extend(ctx context.Context, conn net.Conn) {
	deadline := time.Now().Add(timeoutOf(t.endpoint))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
}

func (t *Transport) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         t.endpoint.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.endpoint.Get("tls_skip_verify") == "true", // #nosec G402 -- opt-in for development relays
	}
}

func timeoutOf(endpoint core.EndpointConfig) time.Duration {
	if endpoint.Timeout > 0 {
		return endpoint.Timeout
	}
	return defaultTimeout
}

// plainAuth is AUTH PLAIN without the TLS requirement of smtp.PlainAuth, for relays on
// private networks.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
