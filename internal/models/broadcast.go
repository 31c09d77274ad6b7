package models

import "time"

// JobStatus is the state of a BroadcastJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BroadcastJob is the persisted progress of one fan-out.
// Cursor is the index of the next batch to attempt.
type BroadcastJob struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	List          string     `json:"list"`
	CC            string     `json:"cc,omitempty"`
	Recipients    []string   `json:"recipients"`
	BatchSize     int        `json:"batch_size"`
	Cursor        int        `json:"cursor"`
	SentCount     int        `json:"sent_count"`
	FailedBatches []int      `json:"failed_batches"`
	Status        JobStatus  `json:"status"`
	ResumeAt      *time.Time `json:"resume_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Batches splits the recipient snapshot into consecutive groups of BatchSize.
func (j *BroadcastJob) Batches() [][]string {
	if j.BatchSize <= 0 || len(j.Recipients) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(j.Recipients)+j.BatchSize-1)/j.BatchSize)
	for start := 0; start < len(j.Recipients); start += j.BatchSize {
		end := start + j.BatchSize
		if end > len(j.Recipients) {
			end = len(j.Recipients)
		}
		batches = append(batches, j.Recipients[start:end])
	}
	return batches
}

// Done reports whether every batch has been attempted.
func (j *BroadcastJob) Done() bool {
	return j.Cursor >= len(j.Batches())
}

// SendQuota tracks how many recipients one sending identity has emailed in
// the current daily window.
type SendQuota struct {
	Sender      string    `json:"sender"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}
