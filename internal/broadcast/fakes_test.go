package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vdavid/mailgate/internal/db"
	"github.com/vdavid/mailgate/internal/mailer"
	"github.com/vdavid/mailgate/internal/models"
)

// fakeClock advances by exactly the requested duration on every wait.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) recordedWaits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.BroadcastJob
	order  []string
	quotas map[string]models.SendQuota
	saves  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:   make(map[string]*models.BroadcastJob),
		quotas: make(map[string]models.SendQuota),
	}
}

func cloneJob(job *models.BroadcastJob) *models.BroadcastJob {
	c := *job
	c.Recipients = append([]string(nil), job.Recipients...)
	c.FailedBatches = append([]int{}, job.FailedBatches...)
	if job.ResumeAt != nil {
		t := *job.ResumeAt
		c.ResumeAt = &t
	}
	return &c
}

func (s *memoryStore) CreateJob(ctx context.Context, job *models.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(s.order)+1)
	}
	s.jobs[job.ID] = cloneJob(job)
	s.order = append(s.order, job.ID)
	return nil
}

func (s *memoryStore) SaveProgress(ctx context.Context, job *models.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return db.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	s.saves++
	return nil
}

func (s *memoryStore) ListUnfinished(ctx context.Context) ([]*models.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.BroadcastJob
	for _, id := range s.order {
		job := s.jobs[id]
		switch job.Status {
		case models.JobQueued, models.JobRunning, models.JobPaused:
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

func (s *memoryStore) GetQuota(ctx context.Context, sender string) (*models.SendQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[sender]
	if !ok {
		q = models.SendQuota{Sender: sender}
	}
	return &q, nil
}

func (s *memoryStore) SaveQuota(ctx context.Context, quota *models.SendQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quota.Sender] = *quota
	return nil
}

func (s *memoryStore) job(id string) *models.BroadcastJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[id])
}

type staticRoster struct {
	emails []string
	err    error
}

func (r staticRoster) ListConfirmed(ctx context.Context, list string) ([]string, error) {
	return r.emails, r.err
}

// namedRosters holds one confirmed list per name.
type namedRosters map[string][]string

func (r namedRosters) ListConfirmed(ctx context.Context, list string) ([]string, error) {
	return r[list], nil
}

func rosterOf(n int) staticRoster {
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("r%03d@example.com", i)
	}
	return staticRoster{emails: emails}
}

type sentBatch struct {
	Bcc []string
	Cc  []string
}

// recordingSender records every attempt; errs is consumed one per attempt.
type recordingSender struct {
	mu       sync.Mutex
	attempts []sentBatch
	errs     []error
}

func (s *recordingSender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cc []string
	for _, a := range msg.Cc {
		cc = append(cc, a.Address)
	}
	s.attempts = append(s.attempts, sentBatch{Bcc: append([]string(nil), msg.Bcc...), Cc: cc})

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("id-%d@example.com", len(s.attempts)), nil
}

func (s *recordingSender) recorded() []sentBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentBatch(nil), s.attempts...)
}

type staticResolver struct {
	msg   *models.ResolvedMessage
	err   error
	calls int
	mu    sync.Mutex
}

func (r *staticResolver) ResolveOriginal(ctx context.Context, correlationID string) (*models.ResolvedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.msg, r.err
}

type channelNotifier struct {
	events chan models.OperatorEvent
}

func newChannelNotifier() *channelNotifier {
	return &channelNotifier{events: make(chan models.OperatorEvent, 256)}
}

func (n *channelNotifier) Publish(event models.OperatorEvent) {
	n.events <- event
}
