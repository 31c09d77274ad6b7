package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrOriginalNotFound is returned when the sent folder holds no message with
// the requested Message-ID.
var ErrOriginalNotFound = errors.New("original message not found")

// Resolver locates original outbound messages in the sent folder. Each call
// uses its own connection, so it is safe for concurrent use and never
// touches the listener's connection.
type Resolver struct {
	opts       Options
	sentFolder string
	logger     logrus.FieldLogger
	connect    func(Options) (*Session, error)
}

func NewResolver(opts Options, sentFolder string, logger logrus.FieldLogger) *Resolver {
	return &Resolver{
		opts:       opts,
		sentFolder: sentFolder,
		logger:     logger,
		connect:    Connect,
	}
}

// ResolveOriginal returns the subject, body and attachments of the earliest
// sent message whose Message-ID equals correlationID.
func (r *Resolver) ResolveOriginal(ctx context.Context, correlationID string) (*models.ResolvedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := NormalizeMessageID(correlationID)
	if messageID == "" {
		return nil, fmt.Errorf("empty correlation id")
	}

	session, err := r.connect(r.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for resolution: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.WithError(err).Warn("Resolver: logout failed")
		}
	}()

	if err := session.Select(r.sentFolder); err != nil {
		return nil, err
	}

	uids, err := session.SearchByArrival(Criteria{Header: map[string]string{"Message-ID": messageID}})
	if err != nil {
		return nil, err
	}

	if len(uids) == 0 {
		r.logger.WithFields(logrus.Fields{
			"correlation_id": correlationID,
			"folder":         r.sentFolder,
		}).Error("Resolver: original message not found")
		return nil, ErrOriginalNotFound
	}

	raws, err := session.Fetch(uids[:1])
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, ErrOriginalNotFound
	}

	parsed, err := ParseMessage(raws[0])
	if err != nil {
		return nil, err
	}

	html := parsed.HTML
	if html == "" {
		html = parsed.Text
	}

	return &models.ResolvedMessage{
		CorrelationID: StripMessageID(correlationID),
		Subject:       parsed.Subject,
		HTMLBody:      html,
		Attachments:   parsed.Attachments,
	}, nil
}
