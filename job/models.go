package job

import "time"

// Status is the slice of the job lifecycle the arbitration core observes.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDisputed   Status = "disputed"
	StatusResolved   Status = "resolved"
)

// Job mirrors the jobs table columns the arbitration core reads. Budget and
// the wallet columns feed settlement; everything else about jobs lives in the
// posting subsystem.
type Job struct {
	ID           string
	Title        string
	PosterID     string
	WorkerID     *string
	Budget       float64
	Currency     string
	PosterWallet *string
	WorkerWallet *string
	EscrowRef    *int64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Disputable reports whether a case may be opened against the job.
func (j Job) Disputable() bool {
	return j.Status == StatusInProgress && j.WorkerID != nil
}
