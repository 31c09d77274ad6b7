// Package compose takes submitted messages, forwards them to the approver
// and records them as pending approvals.
package compose

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
)

var (
	ErrMissingSender     = errors.New("sender email is required")
	ErrMissingSubject    = errors.New("subject is required")
	ErrAttachmentsTooBig = errors.New("attachments exceed the size limit")
	ErrInvalidList       = errors.New("invalid list name")
)

const defaultMaxAttachmentBytes = 10 * 1024 * 1024

// Request is one message submitted for approval. List names the roster it
// goes to once approved; empty means the default list.
type Request struct {
	List        string
	SenderName  string
	SenderEmail string
	Subject     string
	HTML        string
	Attachments []models.Attachment
}

type Sender interface {
	Send(ctx context.Context, msg *mailer.Message) (string, error)
}

type Approvals interface {
	Append(ctx context.Context, approval *models.PendingApproval) error
}

// SentFolder stores a copy of a submitted message where the resolver will look for it.
type SentFolder interface {
	AppendSent(ctx context.Context, raw []byte) error
}

type Options struct {
	ServiceAddress     string
	ServiceName        string
	ApproverAddress    string
	MaxAttachmentBytes int64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServiceAddress:     cfg.ServiceAddress,
		ServiceName:        cfg.ServiceName,
		ApproverAddress:    cfg.ApproverAddress,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}
}

type Service struct {
	opts      Options
	sender    Sender
	approvals Approvals
	sent      SentFolder
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewService builds the intake. sent may be nil when the provider keeps its
// own copy of submitted mail.
func NewService(opts Options, sender Sender, approvals Approvals, sent SentFolder, logger logrus.FieldLogger) *Service {
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = defaultMaxAttachmentBytes
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "Mailgate"
	}
	return &Service{
		opts:      opts,
		sender:    sender,
		approvals: approvals,
		sent:      sent,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit sends req to the approver and records it as pending. The returned
// approval's CorrelationID is the Message-ID the approver will reply to.
func (s *Service) Submit(ctx context.Context, req Request) (*models.PendingApproval, error) {
	senderEmail, list, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	msg := &mailer.Message{
		MessageID:   mailer.NewMessageID(mailer.DomainOf(s.opts.ServiceAddress)),
		From:        mail.Address{Name: fromName(req.SenderName, senderEmail, s.opts.ServiceName), Address: s.opts.ServiceAddress},
		To:          []mail.Address{{Address: s.opts.ApproverAddress}},
		Subject:     req.Subject,
		HTML:        req.HTML,
		Attachments: req.Attachments,
		Date:        s.now(),
	}

	log := s.logger.WithFields(logrus.Fields{
		"correlation_id": msg.MessageID,
		"sender":         senderEmail,
		"list":           list,
	})

	if _, err := s.sender.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send for approval: %w", err)
	}

	if s.sent != nil {
		raw, err := mailer.Compose(msg)
		if err == nil {
			err = s.sent.AppendSent(ctx, raw)
		}
		if err != nil {
			// The approver already has the mail; record it regardless.
			log.WithError(err).Error("Compose: failed to copy message to the sent folder")
		}
	}

	refs := make([]models.AttachmentRef, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		refs = append(refs, a.Ref())
	}

	approval := &models.PendingApproval{
		CorrelationID: msg.MessageID,
		List:          list,
		Subject:       req.Subject,
		SenderName:    strings.TrimSpace(req.SenderName),
		SenderEmail:   senderEmail,
		BodyHTML:      req.HTML,
		Attachments:   refs,
		Status:        models.ApprovalPending,
	}
	if err := s.approvals.Append(ctx, approval); err != nil {
		return nil, err
	}

	log.WithField("attachments", len(refs)).Info("Compose: message sent for approval")
	return approval, nil
}

func (s *Service) validate(req Request) (string, string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.SenderEmail))
	if err != nil {
		return "", "", ErrMissingSender
	}

	if strings.TrimSpace(req.Subject) == "" {
		return "", "", ErrMissingSubject
	}

	list, ok := models.NormalizeListName(req.List)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidList, req.List)
	}

	var total int64
	for _, a := range req.Attachments {
		total += int64(len(a.Content))
	}
	if total > s.opts.MaxAttachmentBytes {
		return "", "", fmt.Errorf("%w: %d bytes, limit %d", ErrAttachmentsTooBig, total, s.opts.MaxAttachmentBytes)
	}

	return strings.ToLower(addr.Address), list, nil
}

func fromName(senderName, senderEmail, serviceName string) string {
	name := strings.TrimSpace(senderName)
	if name == "" {
		name = senderEmail
	}
	return fmt.Sprintf("%s via %s", name, serviceName)
}
