package mailin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	mailutil "github.com/charlesng35/spoilr/pkg/mail"
)

// Parsed holds the fields the classifier needs from one RFC-822 message.
type Parsed struct {
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Date        time.Time
	Text        string
	HTML        string
	AuthResults []string
	Spam        bool
}

// Recipients returns To and Cc.
func (p *Parsed) Recipients() []string {
	out := make([]string, 0, len(p.To)+len(p.Cc))
	out = append(out, p.To...)
	return append(out, p.Cc...)
}

// RootReference is the first id in the thread: References[0], then
// In-Reply-To, then the message's own id.
func (p *Parsed) RootReference() string {
	if len(p.References) > 0 {
		return p.References[0]
	}
	if p.InReplyTo != "" {
		return p.InReplyTo
	}
	return p.MessageID
}

// Parse decodes raw. Unknown charsets are tolerated; the affected parts are
// kept undecoded.
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("mailin: parse headers: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	out := &Parsed{}
	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = bracket(id)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = bracket(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			out.References = append(out.References, bracket(id))
		}
	}
	out.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = mailutil.NormalizeAddress(from[0].Address)
	}
	out.To = addresses(h, "To")
	out.Cc = addresses(h, "Cc")
	out.Date, _ = h.Date()
	out.AuthResults = h.Values("Authentication-Results")
	out.Spam = strings.EqualFold(strings.TrimSpace(h.Get("X-Spam-Flag")), "yes")

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("mailin: read part: %w", err)
		}
		if part == nil {
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("mailin: read body: %w", err)
		}
		switch {
		case contentType == "text/html" && out.HTML == "":
			out.HTML = string(body)
		case (contentType == "text/plain" || contentType == "") && out.Text == "":
			out.Text = string(body)
		}
	}
	return out, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, mailutil.NormalizeAddress(addr.Address))
	}
	return mailutil.UniqueAddresses(out)
}

func bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
