package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
)

// ErrAllRecipientsRejected is returned when the server refused every RCPT TO.
var ErrAllRecipientsRejected = errors.New("all recipients were rejected")

const defaultCommandTimeout = 2 * time.Minute

// Options describe the submission server.
type Options struct {
	Server   string
	Username string
	Password string
	// TLSMode is "tls", "starttls" or "none".
	TLSMode        string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// HelloName is sent with EHLO.
	HelloName string
	// Sender is the envelope MAIL FROM address.
	Sender string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Server:         cfg.SMTPServer,
		Username:       cfg.SMTPUsername,
		Password:       cfg.SMTPPassword,
		TLSMode:        cfg.SMTPTLSMode,
		DialTimeout:    cfg.SMTPDialTimeout,
		CommandTimeout: defaultCommandTimeout,
		HelloName:      DomainOf(cfg.ServiceAddress),
		Sender:         cfg.ServiceAddress,
	}
}

// SMTPSender submits messages over a fresh SMTP connection per call.
type SMTPSender struct {
	opts   Options
	logger logrus.FieldLogger
}

func NewSMTPSender(opts Options, logger logrus.FieldLogger) *SMTPSender {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.HelloName == "" {
		opts.HelloName = "localhost"
	}
	return &SMTPSender{opts: opts, logger: logger}
}

// Send composes msg and delivers it to every To, Cc and Bcc address.
// It returns the bracket-less Message-ID.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID(DomainOf(s.opts.Sender))
	}

	raw, err := Compose(msg)
	if err != nil {
		return "", err
	}

	if err := s.Deliver(ctx, s.opts.Sender, msg.Recipients(), raw); err != nil {
		return "", err
	}

	return msg.MessageID, nil
}

// Deliver runs one SMTP transaction. Individual recipients the server refuses
// are skipped and logged, but a quota refusal aborts the whole transaction.
func (s *SMTPSender) Deliver(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if len(rcpts) == 0 {
		return errors.New("no recipients")
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	accepted := 0
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			if IsQuotaError(err) {
				return fmt.Errorf("RCPT TO failed: %w", err)
			}
			s.logger.WithError(err).WithField("recipient", rcpt).Warn("Mailer: recipient rejected")
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return ErrAllRecipientsRejected
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}

	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}

	if err := wc.Close(); err != nil {
		return fmt.Errorf("message not accepted: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message is already queued by the server at this point.
		s.logger.WithError(err).Debug("Mailer: QUIT failed")
	}

	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP server address %q: %w", s.opts.Server, err)
	}
	tlsConfig := &tls.Config{ServerName: host}

	dialer := &net.Dialer{Timeout: s.opts.DialTimeout}
	var conn net.Conn
	if s.opts.TLSMode == "tls" {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.opts.Server)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.opts.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	deadline := time.Now().Add(s.opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)

	if err := c.Hello(s.opts.HelloName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("EHLO failed: %w", err)
	}

	if s.opts.TLSMode == "starttls" {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if s.opts.Username != "" {
		auth := sasl.NewPlainClient("", s.opts.Username, s.opts.Password)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	return c, nil
}
