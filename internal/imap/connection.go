package imap

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailgate/internal/config"
)

// Options describe how to reach and authenticate against the mailbox.
type Options struct {
	Server       string
	Username     string
	Password     string
	UseTLS       bool
	DialTimeout  time.Duration
	LoginTimeout time.Duration
}

// OptionsFromConfig picks the IMAP settings out of the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Server:       cfg.IMAPServer,
		Username:     cfg.IMAPUsername,
		Password:     cfg.IMAPPassword,
		UseTLS:       cfg.IMAPUseTLS,
		DialTimeout:  cfg.IMAPDialTimeout,
		LoginTimeout: cfg.IMAPLoginTimeout,
	}
}

// Connect dials the server and logs in. useTLS is false only against the
// in-memory test server.
func Connect(opts Options) (*Session, error) {
	return connectWithUpdates(opts, nil)
}

// connectWithUpdates routes unilateral server responses to updates. The
// channel is attached right after dialing, before any command runs.
func connectWithUpdates(opts Options, updates chan<- client.Update) (*Session, error) {
	c, err := dial(opts)
	if err != nil {
		return nil, err
	}
	if updates != nil {
		c.Updates = updates
	}

	// Bound the login round trip, then clear the timeout so IDLE can block.
	c.Timeout = opts.LoginTimeout
	if err := c.Login(opts.Username, opts.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	c.Timeout = 0

	return &Session{client: c}, nil
}

func dial(opts Options) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: opts.DialTimeout,
	}

	if opts.UseTLS {
		c, err := client.DialWithDialerTLS(dialer, opts.Server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, opts.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}
