package core

import (
	"mime"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Record is one row of merge data. Keys are the placeholder names used by a Template.
type Record map[string]any

// Address represents an email address with optional display name.
type Address struct {
	Name  string `json:"name" yaml:"name"`   // Display name (optional)
	Email string `json:"email" yaml:"email"` // Email address (required)
}

// String returns the formatted email address.
// If Name is provided, returns "Name <email@domain.com>"
// Otherwise returns just "email@domain.com"
func (a Address) String() string {
	if a.Name != "" {
		return mime.QEncoding.Encode("UTF-8", a.Name) + " <" + a.Email + ">"
	}
	return a.Email
}

// Valid checks if the address has a valid email format.
func (a Address) Valid() bool {
	if a.Email == "" {
		return false
	}
	_, err := mail.ParseAddress(a.String())
	return err == nil
}

// ParseAddressList parses a comma separated RFC 5322 address list.
func ParseAddressList(list string) ([]Address, error) {
	parsed, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out, nil
}

// Attachment is a file referenced by a compiled message. The content is read from Path
// at transmit time so the same message can be retried through several endpoints.
type Attachment struct {
	// Filename is the name of the file as it will appear in the email.
	Filename string

	// ContentType is the MIME content type of the file.
	// If empty, it will be detected from the filename extension.
	ContentType string

	// Path is the resolved location of the file on disk.
	Path string

	// Inline indicates whether the attachment should be displayed inline.
	// Inline attachments can be referenced in HTML content using cid:<ContentID>.
	Inline bool

	// ContentID is used for inline attachments to reference them in HTML.
	ContentID string
}

// Name returns the display filename, falling back to the base name of Path.
func (a *Attachment) Name() string {
	if a.Filename != "" {
		return a.Filename
	}
	return filepath.Base(a.Path)
}

// ReadAll returns the attachment content.
func (a *Attachment) ReadAll() ([]byte, error) {
	return os.ReadFile(a.Path)
}

// DetectContentType attempts to detect the content type from the filename.
func (a *Attachment) DetectContentType() string {
	if a.ContentType != "" {
		return a.ContentType
	}

	ext := strings.ToLower(filepath.Ext(a.Name()))
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".csv":
		return "text/csv"
	case ".zip":
		return "application/zip"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Message is a fully compiled email, ready to be handed to a Transport.
type Message struct {
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	CC          []Address         `json:"cc"`
	BCC         []Address         `json:"bcc"`
	ReplyTo     []Address         `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body"`
	TextBody    string            `json:"text_body"`
	Attachments []Attachment      `json:"attachments"`
	Headers     map[string]string `json:"headers"`
	Priority    Priority          `json:"priority"`
}

// TotalRecipients returns the total number of recipients (To + CC + BCC).
func (m *Message) TotalRecipients() int {
	return len(m.To) + len(m.CC) + len(m.BCC)
}

// AllRecipients returns all envelope recipients combined into a single slice.
func (m *Message) AllRecipients() []Address {
	all := make([]Address, 0, m.TotalRecipients())
	all = append(all, m.To...)
	all = append(all, m.CC...)
	all = append(all, m.BCC...)
	return all
}

// AttachmentTemplate describes an attachment whose path may contain placeholders.
type AttachmentTemplate struct {
	Path      string `json:"path" yaml:"path"`
	Filename  string `json:"filename,omitempty" yaml:"filename,omitempty"`
	Inline    bool   `json:"inline,omitempty" yaml:"inline,omitempty"`
	ContentID string `json:"content_id,omitempty" yaml:"content_id,omitempty"`
}

// Template is the uncompiled form of a message. Every string field may reference
// record values with {{.Name}} placeholders.
type Template struct {
	Name        string               `json:"name" yaml:"name"`
	From        string               `json:"from" yaml:"from"`
	To          string               `json:"to" yaml:"to"`
	CC          string               `json:"cc,omitempty" yaml:"cc,omitempty"`
	BCC         string               `json:"bcc,omitempty" yaml:"bcc,omitempty"`
	ReplyTo     string               `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
	Subject     string               `json:"subject" yaml:"subject"`
	TextBody    string               `json:"text_body,omitempty" yaml:"text_body,omitempty"`
	HTMLBody    string               `json:"html_body,omitempty" yaml:"html_body,omitempty"`
	Attachments []AttachmentTemplate `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Headers     map[string]string    `json:"headers,omitempty" yaml:"headers,omitempty"`
	Priority    Priority             `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Priority defines the priority level of an email.
type Priority int

// The zero value is PriorityNormal so templates that omit a priority send without
// priority headers.
const (
	// PriorityNormal indicates normal priority email (default).
	PriorityNormal Priority = iota

	// PriorityLow indicates low priority email (marketing, newsletters).
	PriorityLow

	// PriorityHigh indicates high priority email (alerts, notifications).
	PriorityHigh

	// PriorityUrgent indicates urgent email (security alerts, critical notifications).
	PriorityUrgent
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// TransportKind selects the adapter used to reach an endpoint.
type TransportKind string

const (
	// TransportSMTP speaks SMTP to Host:Port.
	TransportSMTP TransportKind = "smtp"

	// TransportSES submits raw MIME to Amazon Simple Email Service.
	TransportSES TransportKind = "ses"

	// TransportSendGrid uses the SendGrid v3 mail API.
	TransportSendGrid TransportKind = "sendgrid"

	// TransportMailgun uses the Mailgun messages API.
	TransportMailgun TransportKind = "mailgun"
)

// Valid checks if the transport kind is supported.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportSMTP, TransportSES, TransportSendGrid, TransportMailgun:
		return true
	default:
		return false
	}
}

// SecurityMode controls how an SMTP connection is secured.
type SecurityMode string

const (
	SecurityNone     SecurityMode = "none"
	SecurityStartTLS SecurityMode = "starttls"
	SecurityTLS      SecurityMode = "tls"
)

// Valid checks if the security mode is known. The empty mode means SecurityNone.
func (m SecurityMode) Valid() bool {
	switch m {
	case "", SecurityNone, SecurityStartTLS, SecurityTLS:
		return true
	default:
		return false
	}
}

// Credential authenticates a transport against an endpoint. API based transports
// read the key from Password.
type Credential struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// EndpointConfig describes one outbound destination. Its position in the configured
// list is its priority.
type EndpointConfig struct {
	// Name identifies the endpoint in events, reports and metrics. Must be unique.
	Name string `yaml:"name"`

	// Kind selects the transport adapter. Defaults to smtp.
	Kind TransportKind `yaml:"kind"`

	Host     string       `yaml:"host"`
	Port     int          `yaml:"port"`
	Security SecurityMode `yaml:"security"`

	// Timeout bounds a single connect, authenticate or transmit call.
	Timeout time.Duration `yaml:"timeout"`

	// ClientHostname is the name announced in EHLO.
	ClientHostname string `yaml:"client_hostname"`

	// Credential is optional; without it the authenticate step is skipped.
	Credential *Credential `yaml:"credential"`

	// MaxFailures is the consecutive-failure threshold before suspension.
	MaxFailures int `yaml:"max_failures"`

	// RetryDelay is how long the endpoint stays suspended.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DelayBetweenMessages is the minimum spacing between sends on one connection.
	DelayBetweenMessages time.Duration `yaml:"delay_between_messages"`

	// Settings holds kind specific values such as region, domain or base_url.
	Settings map[string]string `yaml:"settings"`
}

// Get retrieves a kind specific setting.
func (e EndpointConfig) Get(key string) string {
	return e.Settings[key]
}

// Address returns host:port for network transports.
func (e EndpointConfig) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
