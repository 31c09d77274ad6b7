// Package approval decides which inbox replies approve or reject a pending
// message and hands approved ones to the broadcaster.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
)

// Mailbox is the selected inbox of an IMAP session.
type Mailbox interface {
	Search(criteria imap.Criteria) ([]uint32, error)
	MarkSeen(uids []uint32) error
	Fetch(uids []uint32) ([]imap.RawMessage, error)
}

type Approvals interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.PendingApproval, error)
	MarkResolved(ctx context.Context, correlationID string, outcome models.ApprovalStatus) error
}

type Resolver interface {
	ResolveOriginal(ctx context.Context, correlationID string) (*models.ResolvedMessage, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, list string, msg *models.ResolvedMessage, cc string) (*models.BroadcastJob, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Publish(event models.OperatorEvent)
}

type Options struct {
	ApproverAddress string
	ServiceAddress  string
	ApprovalMarker  string
	RejectionMarker string
	Lookback        time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ApproverAddress: cfg.ApproverAddress,
		ServiceAddress:  cfg.ServiceAddress,
		ApprovalMarker:  cfg.ApprovalMarker,
		RejectionMarker: cfg.RejectionMarker,
		Lookback:        cfg.ScanLookback,
	}
}

// ScanResult summarizes one or more scans.
type ScanResult struct {
	Candidates int
	Approved   int
	Rejected   int
	Failed     int
	Discarded  map[DiscardReason]int
}

func newScanResult() *ScanResult {
	return &ScanResult{Discarded: make(map[DiscardReason]int)}
}

func (r *ScanResult) merge(other *ScanResult) {
	if other == nil {
		return
	}
	r.Candidates += other.Candidates
	r.Approved += other.Approved
	r.Rejected += other.Rejected
	r.Failed += other.Failed
	for reason, n := range other.Discarded {
		r.Discarded[reason] += n
	}
}

// Detector scans the inbox for approver replies.
type Detector struct {
	opts        Options
	approvals   Approvals
	resolver    Resolver
	broadcaster Broadcaster
	notifier    Notifier
	logger      logrus.FieldLogger
	now         func() time.Time

	mu          sync.Mutex
	scanning    bool
	rescan      bool
	rescanInbox Mailbox
}

func NewDetector(opts Options, approvals Approvals, resolver Resolver, broadcaster Broadcaster, notifier Notifier, logger logrus.FieldLogger) *Detector {
	return &Detector{
		opts:        opts,
		approvals:   approvals,
		resolver:    resolver,
		broadcaster: broadcaster,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// OnNewMail runs a scan unless one is already in progress. A signal that
// arrives during a scan is folded into exactly one follow-up scan, run by the
// caller that owns the current one; the folded caller gets a nil result.
func (d *Detector) OnNewMail(ctx context.Context, mbox Mailbox) (*ScanResult, error) {
	d.mu.Lock()
	if d.scanning {
		d.rescan = true
		d.rescanInbox = mbox
		d.mu.Unlock()
		return nil, nil
	}
	d.scanning = true
	d.mu.Unlock()

	total := newScanResult()
	for {
		result, err := d.ScanForApprovals(ctx, mbox)
		total.merge(result)

		d.mu.Lock()
		if err != nil || ctx.Err() != nil || !d.rescan {
			d.scanning = false
			d.rescan = false
			d.rescanInbox = nil
			d.mu.Unlock()
			return total, err
		}
		mbox = d.rescanInbox
		d.rescan = false
		d.rescanInbox = nil
		d.mu.Unlock()
	}
}

// ScanForApprovals processes unseen approver mail in the selected inbox.
// Every hit is marked seen before it is processed, so a reply is consumed at
// most once even if processing fails half way.
func (d *Detector) ScanForApprovals(ctx context.Context, mbox Mailbox) (*ScanResult, error) {
	result := newScanResult()

	criteria := imap.Criteria{
		Unseen: true,
		From:   d.opts.ApproverAddress,
	}
	if d.opts.Lookback > 0 {
		criteria.Since = d.now().Add(-d.opts.Lookback)
	}

	uids, err := mbox.Search(criteria)
	if err != nil {
		return result, fmt.Errorf("failed to search inbox: %w", err)
	}
	if len(uids) == 0 {
		return result, nil
	}

	if err := mbox.MarkSeen(uids); err != nil {
		return result, fmt.Errorf("failed to mark candidates seen: %w", err)
	}

	raws, err := mbox.Fetch(uids)
	if err != nil {
		return result, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	for _, raw := range raws {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Candidates++

		msg, err := imap.ParseMessage(raw)
		if err != nil {
			result.Failed++
			d.logger.WithError(err).WithField("uid", raw.UID).Warn("Detector: skipping unparseable message")
			continue
		}

		d.process(ctx, buildEvent(msg, d.opts), result)
	}

	d.logger.WithFields(logrus.Fields{
		"candidates": result.Candidates,
		"approved":   result.Approved,
		"rejected":   result.Rejected,
		"failed":     result.Failed,
	}).Info("Detector: scan finished")

	return result, nil
}

func (d *Detector) process(ctx context.Context, event models.ApprovalEvent, result *ScanResult) {
	log := d.logger.WithFields(logrus.Fields{
		"uid":            event.UID,
		"from":           event.From,
		"correlation_id": event.CorrelationID,
	})

	if reason := classify(event, d.opts.ApproverAddress); reason != "" {
		d.discard(log, result, reason)
		return
	}

	pending, err := d.approvals.FindByCorrelationID(ctx, event.CorrelationID)
	if errors.Is(err, db.ErrApprovalNotFound) {
		d.discard(log, result, ReasonUnknownApproval)
		return
	}
	if err != nil {
		result.Failed++
		log.WithError(err).Error("Detector: failed to look up pending approval")
		return
	}
	if pending.Status != models.ApprovalPending {
		d.discard(log, result, ReasonAlreadyResolved)
		return
	}

	if event.Rejected {
		d.reject(ctx, log, pending, result)
		return
	}

	d.approve(ctx, log, pending, result)
}

func (d *Detector) approve(ctx context.Context, log logrus.FieldLogger, pending *models.PendingApproval, result *ScanResult) {
	original, err := d.resolver.ResolveOriginal(ctx, pending.CorrelationID)
	if err != nil {
		result.Failed++
		if errors.Is(err, imap.ErrOriginalNotFound) {
			log.Error("Detector: approved message not found in sent folder")
			d.notify(models.OperatorEvent{
				Type:          models.EventResolutionMiss,
				CorrelationID: pending.CorrelationID,
				Message:       fmt.Sprintf("approved message %q was not found in the sent folder", pending.Subject),
			})
			return
		}
		log.WithError(err).Error("Detector: failed to resolve original message")
		return
	}

	// Claim before enqueueing so a concurrent scan cannot broadcast twice.
	if err := d.approvals.MarkResolved(ctx, pending.CorrelationID, models.ApprovalSent); err != nil {
		if errors.Is(err, db.ErrAlreadyResolved) {
			d.discard(log, result, ReasonAlreadyResolved)
			return
		}
		result.Failed++
		log.WithError(err).Error("Detector: failed to claim approval")
		return
	}

	job, err := d.broadcaster.Broadcast(ctx, pending.List, original, pending.SenderEmail)
	if err != nil {
		result.Failed++
		log.WithError(err).Error("Detector: failed to start broadcast")
		// The approval is already claimed, so no later scan will retry it.
		d.notify(models.OperatorEvent{
			Type:          models.EventBroadcastFailed,
			CorrelationID: pending.CorrelationID,
			Message:       fmt.Sprintf("approved message %q was not broadcast to list %q: %v", pending.Subject, pending.List, err),
		})
		return
	}

	result.Approved++
	fields := logrus.Fields{"subject": original.Subject}
	if job != nil {
		fields["job_id"] = job.ID
		fields["recipients"] = len(job.Recipients)
	}
	log.WithFields(fields).Info("Detector: approval accepted, broadcast queued")
}

func (d *Detector) reject(ctx context.Context, log logrus.FieldLogger, pending *models.PendingApproval, result *ScanResult) {
	if err := d.approvals.MarkResolved(ctx, pending.CorrelationID, models.ApprovalRejected); err != nil {
		if errors.Is(err, db.ErrAlreadyResolved) {
			d.discard(log, result, ReasonAlreadyResolved)
			return
		}
		result.Failed++
		log.WithError(err).Error("Detector: failed to record rejection")
		return
	}

	result.Rejected++
	log.Info("Detector: approval rejected")
	d.notify(models.OperatorEvent{
		Type:          models.EventApprovalRejected,
		CorrelationID: pending.CorrelationID,
		Message:       fmt.Sprintf("%q from %s was rejected", pending.Subject, pending.SenderEmail),
	})
}

func (d *Detector) discard(log logrus.FieldLogger, result *ScanResult, reason DiscardReason) {
	result.Discarded[reason]++
	log.WithField("reason", string(reason)).Info("Detector: discarding reply")
}

func (d *Detector) notify(event models.OperatorEvent) {
	if d.notifier == nil {
		return
	}
	event.At = d.now()
	d.notifier.Publish(event)
}
