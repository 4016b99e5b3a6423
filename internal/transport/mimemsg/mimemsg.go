// Package mimemsg renders core messages as RFC 5322 MIME documents.
package mimemsg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/lattiq/bulkmail/internal/core"
)

// Build converts msg into a gomail message. Attachment content is read from disk when the
// message is written, not here.
func Build(msg *core.Message) *gomail.Message {
	m := gomail.NewMessage()

	m.SetAddressHeader("From", msg.From.Email, msg.From.Name)
	if len(msg.To) > 0 {
		m.SetHeader("To", formatList(m, msg.To)...)
	}
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", formatList(m, msg.CC)...)
	}
	if len(msg.BCC) > 0 {
		m.SetHeader("Bcc", formatList(m, msg.BCC)...)
	}
	if len(msg.ReplyTo) > 0 {
		m.SetHeader("Reply-To", formatList(m, msg.ReplyTo)...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", time.Now())

	if _, ok := msg.Headers["Message-ID"]; !ok {
		m.SetHeader("Message-ID", MessageID(msg.From.Email))
	}
	for key, value := range msg.Headers {
		m.SetHeader(key, value)
	}
	for key, value := range PriorityHeaders(msg.Priority) {
		m.SetHeader(key, value)
	}

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}

	for i := range msg.Attachments {
		a := msg.Attachments[i]
		settings := []gomail.FileSetting{gomail.Rename(a.Name())}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType + "; name=\"" + a.Name() + "\""},
			}))
		}
		if a.Inline {
			if a.ContentID != "" {
				settings = append(settings, gomail.SetHeader(map[string][]string{
					"Content-ID": {"<" + a.ContentID + ">"},
				}))
			}
			m.Embed(a.Path, settings...)
			continue
		}
		m.Attach(a.Path, settings...)
	}

	return m
}

// WriteTo streams the rendered message to w.
func WriteTo(w io.Writer, msg *core.Message) error {
	if _, err := Build(msg).WriteTo(w); err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}
	return nil
}

// Render returns the rendered message.
func Render(msg *core.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteTo(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MessageID returns a new globally unique Message-ID for the sender's domain.
func MessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// PriorityHeaders returns the X-Priority and Importance headers for non-normal priorities.
func PriorityHeaders(p core.Priority) map[string]string {
	switch p {
	case core.PriorityHigh:
		return map[string]string{"X-Priority": "2", "Importance": "high"}
	case core.PriorityUrgent:
		return map[string]string{"X-Priority": "1", "Importance": "high"}
	case core.PriorityLow:
		return map[string]string{"X-Priority": "4", "Importance": "low"}
	default:
		return nil
	}
}

func formatList(m *gomail.Message, addrs []core.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name == "" {
			out[i] = a.Email
			continue
		}
		out[i] = m.FormatAddress(a.Email, a.Name)
	}
	return out
}
