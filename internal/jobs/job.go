package jobs

import (
	"slices"
	"strings"
	"time"

	"github.com/spigell/cv-screener/internal/apperr"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Result holds the evaluation outcome of a completed job. A nil field means the
// producing stage did not yield a usable value; such stages are listed in Degraded.
type Result struct {
	CVMatchRate     *float64 `json:"cv_match_rate"`
	CVFeedback      *string  `json:"cv_feedback"`
	ProjectScore    *float64 `json:"project_score"`
	ProjectFeedback *string  `json:"project_feedback"`
	OverallSummary  *string  `json:"overall_summary"`
	Degraded        []string `json:"degraded,omitempty"`
}

// Complete reports whether every result field is present.
func (r *Result) Complete() bool {
	return r != nil && r.CVMatchRate != nil && r.CVFeedback != nil &&
		r.ProjectScore != nil && r.ProjectFeedback != nil && r.OverallSummary != nil
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	return &Result{
		CVMatchRate:     clonePtr(r.CVMatchRate),
		CVFeedback:      clonePtr(r.CVFeedback),
		ProjectScore:    clonePtr(r.ProjectScore),
		ProjectFeedback: clonePtr(r.ProjectFeedback),
		OverallSummary:  clonePtr(r.OverallSummary),
		Degraded:        slices.Clone(r.Degraded),
	}
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Job is one evaluation request tracked through its lifecycle.
type Job struct {
	ID        string    `json:"id"`
	Title     string    `json:"job_title"`
	CVID      string    `json:"cv_id"`
	ReportID  string    `json:"report_id"`
	Status    Status    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy that shares no memory with j.
func (j Job) Clone() Job {
	j.Result = j.Result.clone()
	return j
}

// Update carries the fields written together with a transition.
type Update struct {
	Result *Result
	Error  string
}

// apply validates and performs a transition in place. Completed requires a
// result, Failed requires an error message, and every other field is cleared.
func apply(job *Job, next Status, upd Update, now time.Time) error {
	if !next.Valid() || !job.Status.CanTransitionTo(next) {
		return apperr.InvalidTransition(job.ID, job.Status, next)
	}

	switch next {
	case StatusCompleted:
		if upd.Result == nil {
			return apperr.Validation("result", "completed job %q requires a result", job.ID)
		}
		job.Result = upd.Result.clone()
		job.Error = ""
	case StatusFailed:
		msg := strings.TrimSpace(upd.Error)
		if msg == "" {
			return apperr.Validation("error", "failed job %q requires an error message", job.ID)
		}
		job.Result = nil
		job.Error = msg
	default:
		job.Result = nil
		job.Error = ""
	}

	job.Status = next
	job.UpdatedAt = now
	return nil
}
