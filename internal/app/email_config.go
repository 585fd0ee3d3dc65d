package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/spoilr/internal/mailin"
	"github.com/charlesng35/spoilr/internal/mailout"
	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/mail"
)

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:            c.SMTP.Enabled,
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		Username:           c.SMTP.Username,
		Password:           c.SMTP.Password,
		InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
	}
}

// MailSettings names the sending addresses, defaulting to hints@ and
// help@ in the hunt domain.
func (c EmailConfig) MailSettings() services.MailSettings {
	domain := strings.ToLower(strings.TrimSpace(c.Domain))
	hints := strings.TrimSpace(c.HintsFrom)
	if hints == "" && domain != "" {
		hints = "hints@" + domain
	}
	reply := strings.TrimSpace(c.ReplyFrom)
	if reply == "" && domain != "" {
		reply = "help@" + domain
	}
	return services.MailSettings{Domain: domain, HintsFrom: hints, ReplyFrom: reply}
}

// SenderConfig converts EmailConfig for the outbound sender.
func (c EmailConfig) SenderConfig() mailout.Config {
	return mailout.Config{
		Domain:           c.Domain,
		BouncesEnabled:   c.BouncesEnabled,
		BouncesLocalname: c.BouncesLocalname,
		Cooldown:         c.Cooldown,
		TestMode:         c.TestMode,
		AllowList:        c.AllowList,
	}
}

// ClassifierConfig converts EmailConfig for the inbound classifier.
func (c EmailConfig) ClassifierConfig() mailin.ClassifierConfig {
	return mailin.ClassifierConfig{
		Domain:               c.Domain,
		ServerID:             c.ServerID,
		BounceNotifiers:      c.BounceNotifiers,
		BouncesLocalname:     c.BouncesLocalname,
		UnsubscribeLocalname: c.UnsubscribeLocalname,
		ResubscribeLocalname: c.ResubscribeLocalname,
	}
}

// Dialer builds the IMAP dialer. Host and credentials are required.
func (c IMAPConfig) Dialer() (mailin.Dialer, error) {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return nil, fmt.Errorf("config: imap.host is required")
	case strings.TrimSpace(c.Username) == "" || c.Password == "":
		return nil, fmt.Errorf("config: imap.username and imap.password are required")
	}
	return mailin.IMAPDialer(mailin.IMAPConfig{
		Host:     c.Host,
		Port:     c.Port,
		TLS:      c.TLS,
		Username: c.Username,
		Password: c.Password,
	}), nil
}

// IngesterConfig converts IMAPConfig for the sync loop.
func (c IMAPConfig) IngesterConfig() mailin.IngesterConfig {
	return mailin.IngesterConfig{Folder: c.Folder, Buffer: c.Buffer, InitialWindow: c.InitialWindow}
}
