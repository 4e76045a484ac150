package mail

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Config describes one outbound SMTP server. Password is plaintext here;
// callers open the sealed value immediately before connecting and must not
// hold it any longer than that.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Secure   bool

	// RetryMaxElapsed bounds the transient-retry window per message.
	RetryMaxElapsed time.Duration
}

// Message is one personalized mail ready for delivery.
type Message struct {
	From       string
	To         string
	Subject    string
	HTML       string
	CampaignID string
	LeadID     string
}

// Session is an open connection to a mail server, exclusive to one dispatch
// run. Send returns the message id assigned to the delivery.
type Session interface {
	Send(m Message) (string, error)
	Close() error
}

// Connector opens a Session. The dispatch engine takes one so tests can
// substitute fakes for a live SMTP connection.
type Connector func(cfg Config) (Session, error)

// Connect dials the server and authenticates. A failure here means the whole
// dispatch cannot proceed.
func Connect(cfg Config) (Session, error) {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Secure

	sc, err := d.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial error: %w", err)
	}

	retryMax := cfg.RetryMaxElapsed
	if retryMax <= 0 {
		retryMax = 5 * time.Second
	}
	return &smtpSession{sc: sc, host: cfg.Host, retryMax: retryMax}, nil
}

type smtpSession struct {
	sc       gomail.SendCloser
	host     string
	retryMax time.Duration
}

// Send delivers one message, retrying transient failures with exponential
// backoff before giving up. A dead connection is not retried on the same
// session; it surfaces immediately so the caller can abort the run.
func (s *smtpSession) Send(m Message) (string, error) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", strings.ToLower(m.To))
	msg.SetHeader("Subject", m.Subject)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)
	msg.SetHeader("Message-ID", messageID)
	if m.CampaignID != "" {
		msg.SetHeader("X-Campaign-ID", m.CampaignID)
	}
	if m.LeadID != "" {
		msg.SetHeader("X-Lead-ID", m.LeadID)
	}
	msg.SetBody("text/html", m.HTML)

	operation := func() error {
		if err := gomail.Send(s.sc, msg); err != nil {
			if IsSessionError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.retryMax

	if err := backoff.Retry(operation, b); err != nil {
		return "", fmt.Errorf("smtp send error: %w", err)
	}
	return messageID, nil
}

func (s *smtpSession) Close() error {
	return s.sc.Close()
}

// IsSessionError reports whether err means the connection itself is unusable,
// as opposed to the server rejecting one particular message. A timed-out
// message stays a per-message failure.
func IsSessionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
