package imap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SentAppender copies submitted messages into the sent folder for providers
// that do not keep a copy of mail sent over SMTP.
type SentAppender struct {
	opts       Options
	sentFolder string
	logger     logrus.FieldLogger
	connect    func(Options) (*Session, error)
}

func NewSentAppender(opts Options, sentFolder string, logger logrus.FieldLogger) *SentAppender {
	return &SentAppender{
		opts:       opts,
		sentFolder: sentFolder,
		logger:     logger,
		connect:    Connect,
	}
}

func (a *SentAppender) AppendSent(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session, err := a.connect(a.opts)
	if err != nil {
		return fmt.Errorf("failed to connect for append: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			a.logger.WithError(err).Warn("Appender: logout failed")
		}
	}()

	return session.Append(a.sentFolder, raw)
}
