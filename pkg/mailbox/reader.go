// Package mailbox locates today's renewal-PIN message in an IMAP inbox and
// extracts the 6-digit code. It is deliberately not a mail client: one
// dated, marked message and one code is all it knows how to find.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/telemetry"
)

// Config holds the mailbox connection parameters and the provider-specific
// message markers.
type Config struct {
	// Address is the IMAP-over-TLS endpoint, host:port.
	Address string `yaml:"address" validate:"required"`

	// Username and Password authenticate the read-only inbox connection.
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`

	// Folder is the mailbox to search.
	Folder string `yaml:"folder"`

	// From and Subject narrow the search to the provider's PIN messages.
	From    string `yaml:"from"`
	Subject string `yaml:"subject"`

	// PinPattern extracts the code from the body; the first capture
	// group is the PIN.
	PinPattern string `yaml:"pin_pattern"`

	// Timeout bounds dialing and each IMAP command.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the marker values the provider has used unchanged
// for years.
func DefaultConfig() Config {
	return Config{
		Folder:     "INBOX",
		From:       "no-reply@euserv.com",
		Subject:    "EUserv - PIN for the Confirmation of a Security Check",
		PinPattern: `(?i)PIN:\s*\r?\n?\s*(\d{6})`,
		Timeout:    30 * time.Second,
	}
}

// Reader implements renew.PinFetcher over a fresh IMAP connection per
// fetch. PIN messages arrive minutes apart at most; connection reuse buys
// nothing and stale connections cost a run.
type Reader struct {
	cfg    Config
	marker *regexp.Regexp
	now    func() time.Time
}

// NewReader creates a mailbox reader.
func NewReader(cfg Config) (*Reader, error) {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	var marker *regexp.Regexp
	if cfg.PinPattern != "" {
		var err error
		marker, err = regexp.Compile(cfg.PinPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pin pattern: %w", err)
		}
	}
	return &Reader{cfg: cfg, marker: marker, now: time.Now}, nil
}

// FetchTodaysPin connects, finds the most recent PIN message dated today
// and extracts the code. A missing message is a pin-not-found condition the
// caller retries after a delay; an unextractable body is not retryable.
func (r *Reader) FetchTodaysPin(ctx context.Context) (string, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("mailbox")

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: r.cfg.Timeout}, r.cfg.Address, nil)
	if err != nil {
		return "", renew.NewTransportError("dialing mailbox", err).WithOp("fetch_pin")
	}
	c.Timeout = r.cfg.Timeout
	defer func() { _ = c.Logout() }()

	if err := c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		return "", renew.NewTransportError("mailbox login failed", err).WithOp("fetch_pin")
	}
	if _, err := c.Select(r.cfg.Folder, true); err != nil {
		return "", renew.NewTransportError(fmt.Sprintf("selecting %s", r.cfg.Folder), err).WithOp("fetch_pin")
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = startOfDay(r.now())
	if r.cfg.From != "" {
		criteria.Header.Add("From", r.cfg.From)
	}
	if r.cfg.Subject != "" {
		criteria.Header.Add("Subject", r.cfg.Subject)
	}

	ids, err := c.Search(criteria)
	if err != nil {
		return "", renew.NewTransportError("searching mailbox", err).WithOp("fetch_pin")
	}
	if len(ids) == 0 {
		return "", renew.NewPinNotFoundError("no PIN message dated today")
	}
	log.Debugf("found %d matching message(s), reading the most recent", len(ids))

	body, err := r.fetchBody(c, ids[len(ids)-1])
	if err != nil {
		return "", err
	}

	pin, err := ExtractPin(body, r.marker)
	if err != nil {
		return "", err
	}
	log.Info("PIN extracted from today's message")
	return pin, nil
}

// fetchBody downloads one message and returns its text/plain body.
func (r *Reader) fetchBody(c *client.Client, seqNum uint32) (string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return "", renew.NewTransportError("fetching PIN message", err).WithOp("fetch_pin")
	}
	if msg == nil {
		return "", renew.NewTransportError("server returned no message for matched id", nil).WithOp("fetch_pin")
	}

	raw := msg.GetBody(section)
	if raw == nil {
		return "", renew.NewTransportError("server returned message without body", nil).WithOp("fetch_pin")
	}

	mr, err := mail.CreateReader(raw)
	if err != nil {
		return "", renew.NewAmbiguousPinError(fmt.Sprintf("unparseable PIN message: %v", err))
	}

	var fallback string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", renew.NewAmbiguousPinError(fmt.Sprintf("reading PIN message part: %v", err))
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, rerr := io.ReadAll(part.Body)
		if rerr != nil {
			continue
		}
		if ct == "text/plain" {
			return string(data), nil
		}
		if fallback == "" && strings.HasPrefix(ct, "text/") {
			fallback = string(data)
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", renew.NewAmbiguousPinError("PIN message has no text part")
}

// startOfDay truncates t to local midnight, the granularity of IMAP SINCE.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
