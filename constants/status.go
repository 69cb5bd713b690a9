package constants

// JobStatus is the canonical status for rows in export_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "PENDING"     // created, waiting for a worker
	JobStatusInProgress JobStatus = "IN_PROGRESS" // claimed by a worker
	JobStatusCompleted  JobStatus = "COMPLETED"   // artifact uploaded
	JobStatusFailed     JobStatus = "FAILED"      // terminal failure (manual retry possible)
	JobStatusSuperseded JobStatus = "SUPERSEDED"  // replaced by a newer canonical job for the same key
)

// Terminal reports whether a job in this status is eligible for retention
// cleanup. FAILED counts even when retries remain: cleanup only selects jobs
// weeks past their creation, long after any redelivery window.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusSuperseded:
		return true
	}
	return false
}
