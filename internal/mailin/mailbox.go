package mailin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/responses"
)

// ErrAuthFailed is returned when the IMAP server rejects our credentials.
// The daemon exits instead of retrying.
var ErrAuthFailed = errors.New("mailin: imap authentication failed")

// Mailbox is the IMAP surface the ingester needs.
type Mailbox interface {
	// Select opens folder read-only and returns its UIDVALIDITY.
	Select(ctx context.Context, folder string) (uint32, error)
	// SearchModSeq returns UIDs whose MODSEQ is at least modseq.
	SearchModSeq(ctx context.Context, modseq uint64) ([]uint32, error)
	// SearchYounger returns UIDs received in the last seconds.
	SearchYounger(ctx context.Context, seconds int64) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]Message, error)
	// Wait blocks until the server pushes a change or ctx ends.
	Wait(ctx context.Context) error
	Close() error
}

// Dialer opens an authenticated Mailbox.
type Dialer func(ctx context.Context) (Mailbox, error)

// IMAPConfig holds server coordinates and credentials.
type IMAPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// IMAPDialer returns a Dialer connecting with go-imap.
func IMAPDialer(cfg IMAPConfig) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		return DialIMAP(ctx, cfg)
	}
}

// IMAPMailbox implements Mailbox over a go-imap client.
type IMAPMailbox struct {
	c *client.Client
}

// DialIMAP connects and logs in. A rejected login yields ErrAuthFailed.
func DialIMAP(ctx context.Context, cfg IMAPConfig) (*IMAPMailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Host) == "" || cfg.Username == "" {
		return nil, errors.New("mailin: imap host and username are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 993
		if !cfg.TLS {
			port = 143
		}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mailin: connect %s: %w", addr, err)
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		var status *imap.ErrStatusResp
		if errors.As(err, &status) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("mailin: login: %w", err)
	}
	return &IMAPMailbox{c: c}, nil
}

func (m *IMAPMailbox) Select(_ context.Context, folder string) (uint32, error) {
	status, err := m.c.Select(folder, true)
	if err != nil {
		return 0, fmt.Errorf("mailin: select %s: %w", folder, err)
	}
	return status.UidValidity, nil
}

func (m *IMAPMailbox) SearchModSeq(_ context.Context, modseq uint64) ([]uint32, error) {
	return m.uidSearch(imap.RawString("MODSEQ"), imap.RawString(strconv.FormatUint(modseq, 10)))
}

func (m *IMAPMailbox) SearchYounger(_ context.Context, seconds int64) ([]uint32, error) {
	if seconds < 1 {
		seconds = 1
	}
	return m.uidSearch(imap.RawString("YOUNGER"), imap.RawString(strconv.FormatInt(seconds, 10)))
}

// uidSearch issues a raw UID SEARCH; go-imap's criteria type has no MODSEQ
// or YOUNGER keys.
func (m *IMAPMailbox) uidSearch(args ...interface{}) ([]uint32, error) {
	cmd := &imap.Command{
		Name:      "UID",
		Arguments: append([]interface{}{imap.RawString("SEARCH")}, args...),
	}
	res := &searchResponse{}
	status, err := m.c.Execute(cmd, res)
	if err != nil {
		return nil, fmt.Errorf("mailin: uid search: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("mailin: uid search: %w", err)
	}
	return res.uids, nil
}

// searchResponse collects "* SEARCH" results, ignoring the trailing
// "(MODSEQ n)" list CONDSTORE servers append.
type searchResponse struct {
	uids []uint32
}

func (r *searchResponse) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "SEARCH" {
		return responses.ErrUnhandled
	}
	for _, f := range fields {
		if _, isList := f.([]interface{}); isList {
			continue
		}
		uid, err := imap.ParseNumber(f)
		if err != nil {
			return err
		}
		r.uids = append(r.uids, uid)
	}
	return nil
}

var (
	bodySection = &imap.BodySectionName{Peek: true}
	fetchModSeq = imap.FetchItem("MODSEQ")
)

func (m *IMAPMailbox) Fetch(_ context.Context, uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, fetchModSeq, bodySection.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(set, items, ch) }()

	var out []Message
	var readErr error
	for msg := range ch {
		body := msg.GetBody(bodySection)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil && readErr == nil {
			readErr = fmt.Errorf("mailin: read uid %d: %w", msg.Uid, err)
			continue
		}
		out = append(out, Message{
			UID:          msg.Uid,
			ModSeq:       parseModSeq(msg.Items[fetchModSeq]),
			InternalDate: msg.InternalDate.UTC(),
			Raw:          raw,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("mailin: fetch: %w", err)
	}
	return out, readErr
}

// parseModSeq reads the "MODSEQ (n)" fetch item.
func parseModSeq(v interface{}) uint64 {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return 0
		}
		v = list[0]
	}
	if v == nil {
		return 0
	}
	n, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (m *IMAPMailbox) Wait(ctx context.Context) error {
	updates := make(chan client.Update, 32)
	m.c.Updates = updates
	defer func() { m.c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- m.c.Idle(stop, nil) }()

	for {
		select {
		case upd := <-updates:
			switch upd.(type) {
			case *client.MailboxUpdate, *client.MessageUpdate, *client.ExpungeUpdate:
				close(stop)
				return <-done
			}
		case err := <-done:
			return err
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		}
	}
}

func (m *IMAPMailbox) Close() error {
	return m.c.Logout()
}
