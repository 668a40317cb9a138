// Package processing schedules transcript cleanup and summary jobs
// through the LLM, one at a time, in arrival order.
package processing

import (
	"time"

	"github.com/google/uuid"
	"github.com/twintrack/recorder/internal/llm"
	"github.com/twintrack/recorder/internal/stream"
)

// Kind distinguishes cleanup batches from summary generation.
type Kind string

const (
	KindCleanup Kind = "cleanup"
	KindSummary Kind = "summary"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// job is the coordinator's mutable record. All access goes through the
// coordinator mutex.
type job struct {
	id         string
	kind       Kind
	status     Status
	segments   []stream.RawSegment
	result     string
	summary    *llm.Summary
	err        error
	modelID    string
	retryCount int
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

func newJob(kind Kind) *job {
	return &job{
		id:         uuid.NewString(),
		kind:       kind,
		status:     StatusQueued,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// JobView is an immutable snapshot of a job for callers.
type JobView struct {
	ID         string
	Kind       Kind
	Status     Status
	SegmentIDs []string
	Result     string
	Summary    *llm.Summary
	Err        error
	ModelID    string
	RetryCount int
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func (j *job) view() JobView {
	ids := make([]string, len(j.segments))
	for i, s := range j.segments {
		ids[i] = s.ID
	}
	return JobView{
		ID:         j.id,
		Kind:       j.kind,
		Status:     j.status,
		SegmentIDs: ids,
		Result:     j.result,
		Summary:    j.summary,
		Err:        j.err,
		ModelID:    j.modelID,
		RetryCount: j.retryCount,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// EventType classifies coordinator notifications.
type EventType string

const (
	EventJobStarted       EventType = "job_started"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventSummaryCompleted EventType = "summary_completed"
	EventSummaryFailed    EventType = "summary_failed"
)

// Event is a coordinator notification.
type Event struct {
	Type    EventType
	JobID   string
	Result  string
	Summary *llm.Summary
	Err     error
}
