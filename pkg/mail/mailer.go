package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/gomail.v2"
)

// ErrSMTPDisabled signals that SMTP delivery is disabled via configuration.
var ErrSMTPDisabled = errors.New("smtp: delivery disabled")

// Envelope is the SMTP transaction addressing, independent of message headers.
type Envelope struct {
	From string
	To   []string
}

// Mailer transmits pre-rendered RFC-822 messages.
type Mailer interface {
	Send(ctx context.Context, env Envelope, raw []byte) error
	Close() error
}

// SMTPSettings capture the runtime configuration required by the SMTP mailer.
type SMTPSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	// InsecureSkipVerify disables certificate checks for development relays.
	InsecureSkipVerify bool
}

type sendDialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPMailer keeps one authenticated session open and reuses it across sends.
// A failed send drops the session so the next call reconnects.
type SMTPMailer struct {
	cfg    SMTPSettings
	dialer sendDialer

	mu      sync.Mutex
	session gomail.SendCloser
}

// NewSMTPMailer validates cfg and prepares a gomail dialer. Port 465 uses
// implicit TLS, other ports upgrade with STARTTLS when offered.
func NewSMTPMailer(cfg SMTPSettings) (*SMTPMailer, error) {
	if err := validateSMTPConfig(cfg); err != nil {
		return nil, err
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host} //nolint:gosec
	}
	return &SMTPMailer{cfg: cfg, dialer: d}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, env Envelope, raw []byte) error {
	if !m.cfg.Enabled {
		return ErrSMTPDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recipients := UniqueAddresses(env.To)
	if len(recipients) == 0 {
		return errors.New("smtp: at least one recipient is required")
	}
	if strings.TrimSpace(env.From) == "" {
		return errors.New("smtp: envelope sender is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		sc, err := m.dialer.Dial()
		if err != nil {
			return fmt.Errorf("smtp: dial %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
		}
		m.session = sc
	}

	if err := m.session.Send(env.From, recipients, bytes.NewReader(raw)); err != nil {
		_ = m.session.Close()
		m.session = nil
		return fmt.Errorf("smtp: send: %w", err)
	}
	return nil
}

// Close terminates the cached session, if any.
func (m *SMTPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

func validateSMTPConfig(cfg SMTPSettings) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("smtp: host is required when enabled")
	}
	if cfg.Port == 0 {
		return errors.New("smtp: port is required when enabled")
	}
	return nil
}
