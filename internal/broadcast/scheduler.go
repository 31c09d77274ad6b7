// Package broadcast fans an approved message out to the roster in BCC
// batches, within the provider's daily cap.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/config"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
)

type Roster interface {
	ListConfirmed(ctx context.Context, list string) ([]string, error)
}

type Store interface {
	CreateJob(ctx context.Context, job *models.BroadcastJob) error
	SaveProgress(ctx context.Context, job *models.BroadcastJob) error
	ListUnfinished(ctx context.Context) ([]*models.BroadcastJob, error)
	GetQuota(ctx context.Context, sender string) (*models.SendQuota, error)
	SaveQuota(ctx context.Context, quota *models.SendQuota) error
}

type Sender interface {
	Send(ctx context.Context, msg *mailer.Message) (string, error)
}

// Resolver re-fetches the original message of a job resumed after a restart.
type Resolver interface {
	ResolveOriginal(ctx context.Context, correlationID string) (*models.ResolvedMessage, error)
}

type Notifier interface {
	Publish(event models.OperatorEvent)
}

type Options struct {
	BatchSize   int
	BatchDelay  time.Duration
	DailyCap    int
	DailyWindow time.Duration
	SendRetries int
	// RetryInterval is the first backoff step between send attempts.
	RetryInterval time.Duration
	SenderAddress string
	SenderName    string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:     cfg.BatchSize,
		BatchDelay:    cfg.BatchDelay,
		DailyCap:      cfg.DailyCap,
		DailyWindow:   cfg.DailyWindow,
		SendRetries:   cfg.SendRetries,
		RetryInterval: 2 * time.Second,
		SenderAddress: cfg.ServiceAddress,
		SenderName:    cfg.ServiceName,
	}
}

type queuedJob struct {
	job *models.BroadcastJob
	msg *models.ResolvedMessage
}

// Scheduler owns a single worker that drives jobs one at a time.
type Scheduler struct {
	opts     Options
	roster   Roster
	store    Store
	sender   Sender
	resolver Resolver
	notifier Notifier
	logger   logrus.FieldLogger
	clock    Clock

	queue chan queuedJob
}

func NewScheduler(opts Options, roster Roster, store Store, sender Sender, resolver Resolver, notifier Notifier, logger logrus.FieldLogger) *Scheduler {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	return &Scheduler{
		opts:     opts,
		roster:   roster,
		store:    store,
		sender:   sender,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		clock:    SystemClock(),
		queue:    make(chan queuedJob, 64),
	}
}

// WithClock replaces the wall clock. It must be called before Run.
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// Broadcast snapshots the confirmed roster of list, persists a job and
// queues it. It returns as soon as the job is queued. An empty roster returns
// a nil job.
func (s *Scheduler) Broadcast(ctx context.Context, list string, msg *models.ResolvedMessage, cc string) (*models.BroadcastJob, error) {
	if msg == nil {
		return nil, errors.New("nothing to broadcast")
	}

	recipients, err := s.roster.ListConfirmed(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster %q: %w", list, err)
	}

	log := s.logger.WithFields(logrus.Fields{"correlation_id": msg.CorrelationID, "list": list})
	if len(recipients) == 0 {
		log.Warn("Scheduler: roster is empty, nothing to broadcast")
		return nil, nil
	}

	job := &models.BroadcastJob{
		CorrelationID: msg.CorrelationID,
		List:          list,
		CC:            cc,
		Recipients:    recipients,
		BatchSize:     s.opts.BatchSize,
		Status:        models.JobQueued,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	select {
	case s.queue <- queuedJob{job: job, msg: msg}:
	case <-ctx.Done():
		// Persisted as queued; the next Run picks it up.
		return job, ctx.Err()
	}

	log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"recipients": len(recipients),
		"batches":    len(job.Batches()),
	}).Info("Scheduler: broadcast queued")

	return job, nil
}

// Run resumes unfinished jobs, then processes queued ones until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	resumed := make(map[string]bool)

	unfinished, err := s.store.ListUnfinished(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduler: failed to list unfinished jobs")
	}
	for _, job := range unfinished {
		resumed[job.ID] = true
		s.resume(ctx, job)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q := <-s.queue:
			if resumed[q.job.ID] {
				continue
			}
			s.runJob(ctx, q.job, q.msg)
		}
	}
}

func (s *Scheduler) resume(ctx context.Context, job *models.BroadcastJob) {
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "cursor": job.Cursor})
	log.Info("Scheduler: resuming job")

	msg, err := s.resolver.ResolveOriginal(ctx, job.CorrelationID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("Scheduler: cannot resume job, original message unavailable")
		job.Status = models.JobFailed
		job.ResumeAt = nil
		if err := s.store.SaveProgress(ctx, job); err != nil {
			log.WithError(err).Error("Scheduler: failed to save job")
		}
		s.notify(models.OperatorEvent{
			Type:          models.EventResolutionMiss,
			CorrelationID: job.CorrelationID,
			JobID:         job.ID,
			Message:       fmt.Sprintf("could not resume broadcast: %v", err),
		})
		return
	}

	s.runJob(ctx, job, msg)
}

func (s *Scheduler) runJob(ctx context.Context, job *models.BroadcastJob, msg *models.ResolvedMessage) {
	if err := s.process(ctx, job, msg); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Scheduler: job interrupted")
	}
}

func (s *Scheduler) process(ctx context.Context, job *models.BroadcastJob, msg *models.ResolvedMessage) error {
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "correlation_id": job.CorrelationID})
	batches := job.Batches()

	// A job paused before a restart keeps its original resume time.
	if job.ResumeAt != nil {
		if err := s.sleepUntil(ctx, *job.ResumeAt); err != nil {
			return err
		}
		job.ResumeAt = nil
	}

	job.Status = models.JobRunning
	if err := s.store.SaveProgress(ctx, job); err != nil {
		return err
	}

	needsDelay := false
	for job.Cursor < len(batches) {
		batch := batches[job.Cursor]

		quota, err := s.currentQuota(ctx)
		if err != nil {
			return err
		}

		if quota.Count+len(batch) > s.opts.DailyCap {
			resumeAt := quota.WindowStart.Add(s.opts.DailyWindow)
			if err := s.pause(ctx, job, resumeAt, "daily cap reached"); err != nil {
				return err
			}
			needsDelay = false
			continue
		}

		if needsDelay {
			if err := s.sleep(ctx, s.opts.BatchDelay); err != nil {
				return err
			}
		}
		needsDelay = true

		batchLog := log.WithFields(logrus.Fields{"batch": job.Cursor, "recipients": len(batch)})
		err = s.sendBatch(ctx, job, msg, batch)
		switch {
		case err == nil:
			job.SentCount += len(batch)
			quota.Count += len(batch)
			if err := s.store.SaveQuota(ctx, quota); err != nil {
				return err
			}
			batchLog.Info("Scheduler: batch sent")

		case ctx.Err() != nil:
			return ctx.Err()

		case mailer.IsQuotaError(err):
			batchLog.WithError(err).Warn("Scheduler: provider quota exhausted")
			// The provider knows better than our counter; treat the window as full.
			quota.Count = s.opts.DailyCap
			if err := s.store.SaveQuota(ctx, quota); err != nil {
				return err
			}
			if err := s.pause(ctx, job, s.clock.Now().Add(s.opts.DailyWindow), "provider quota exhausted"); err != nil {
				return err
			}
			needsDelay = false
			continue

		default:
			batchLog.WithError(err).Error("Scheduler: batch failed, skipping")
			job.FailedBatches = append(job.FailedBatches, job.Cursor)
			index := job.Cursor
			s.notify(models.OperatorEvent{
				Type:          models.EventBatchFailed,
				CorrelationID: job.CorrelationID,
				JobID:         job.ID,
				BatchIndex:    &index,
				Recipients:    len(batch),
				Message:       err.Error(),
			})
		}

		job.Cursor++
		if err := s.store.SaveProgress(ctx, job); err != nil {
			return err
		}
	}

	job.Status = models.JobCompleted
	if len(batches) > 0 && len(job.FailedBatches) == len(batches) {
		job.Status = models.JobFailed
	}
	if err := s.store.SaveProgress(ctx, job); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"status":         string(job.Status),
		"sent":           job.SentCount,
		"failed_batches": len(job.FailedBatches),
	}).Info("Scheduler: broadcast finished")

	s.notify(models.OperatorEvent{
		Type:          models.EventBroadcastCompleted,
		CorrelationID: job.CorrelationID,
		JobID:         job.ID,
		Recipients:    job.SentCount,
		Message:       fmt.Sprintf("broadcast %s: %d sent, %d batches failed", job.Status, job.SentCount, len(job.FailedBatches)),
	})

	return nil
}

// currentQuota loads the shared counter and starts a new window once the old one has elapsed.
func (s *Scheduler) currentQuota(ctx context.Context) (*models.SendQuota, error) {
	quota, err := s.store.GetQuota(ctx, s.opts.SenderAddress)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if quota.WindowStart.IsZero() || !now.Before(quota.WindowStart.Add(s.opts.DailyWindow)) {
		quota.WindowStart = now
		quota.Count = 0
		if err := s.store.SaveQuota(ctx, quota); err != nil {
			return nil, err
		}
	}

	return quota, nil
}

func (s *Scheduler) pause(ctx context.Context, job *models.BroadcastJob, resumeAt time.Time, reason string) error {
	job.Status = models.JobPaused
	job.ResumeAt = &resumeAt
	if err := s.store.SaveProgress(ctx, job); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"cursor":    job.Cursor,
		"resume_at": resumeAt.Format(time.RFC3339),
		"reason":    reason,
	}).Warn("Scheduler: broadcast paused")

	s.notify(models.OperatorEvent{
		Type:          models.EventBroadcastPaused,
		CorrelationID: job.CorrelationID,
		JobID:         job.ID,
		Message:       fmt.Sprintf("%s, resuming at %s", reason, resumeAt.Format(time.RFC3339)),
	})

	if err := s.sleepUntil(ctx, resumeAt); err != nil {
		return err
	}

	job.Status = models.JobRunning
	job.ResumeAt = nil
	return s.store.SaveProgress(ctx, job)
}

func (s *Scheduler) sendBatch(ctx context.Context, job *models.BroadcastJob, msg *models.ResolvedMessage, batch []string) error {
	out := &mailer.Message{
		From:        mail.Address{Name: s.opts.SenderName, Address: s.opts.SenderAddress},
		To:          []mail.Address{{Name: s.opts.SenderName, Address: s.opts.SenderAddress}},
		Bcc:         batch,
		Subject:     msg.Subject,
		HTML:        msg.HTMLBody,
		Attachments: msg.Attachments,
	}
	// The original sender gets one copy, with the first batch.
	if job.Cursor == 0 && job.CC != "" {
		out.Cc = []mail.Address{{Address: job.CC}}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryInterval
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(s.opts.SendRetries, 0))), ctx)

	operation := func() error {
		out.MessageID = ""
		_, err := s.sender.Send(ctx, out)
		if err != nil && (mailer.IsQuotaError(err) || mailer.IsPermanent(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id":   job.ID,
			"batch":    job.Cursor,
			"retry_in": wait.String(),
		}).Warn("Scheduler: send failed, retrying")
	}

	return backoff.RetryNotifyWithTimer(operation, retries, notify, &clockTimer{clock: s.clock})
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) error {
	return s.sleep(ctx, t.Sub(s.clock.Now()))
}

func (s *Scheduler) notify(event models.OperatorEvent) {
	if s.notifier == nil {
		return
	}
	event.At = s.clock.Now()
	s.notifier.Publish(event)
}
