package mail

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Message is an outbound email before rendering.
type Message struct {
	From       string
	To         []string
	Cc         []string
	Subject    string
	Text       string
	HTML       string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time
}

// NewMessageID returns an angle-bracketed Message-ID in domain.
func NewMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Render produces the RFC-822 bytes for msg. Bcc recipients never appear in headers.
func Render(msg Message) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	if to := UniqueAddresses(msg.To); len(to) > 0 {
		m.SetHeader("To", to...)
	}
	if cc := UniqueAddresses(msg.Cc); len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	m.SetHeader("Subject", escapeHeader(msg.Subject))
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", msg.MessageID)
	}
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		m.SetHeader("References", strings.Join(msg.References, " "))
	}
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	m.SetDateHeader("Date", date)

	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("mail: render: %w", err)
	}
	return buf.Bytes(), nil
}

// ReplySubject prefixes subject with "Re: " unless already present.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

func escapeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return value
}
