package processing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/llm"
	"github.com/twintrack/recorder/internal/metrics"
	"github.com/twintrack/recorder/internal/resilience"
	"github.com/twintrack/recorder/internal/stream"
	"github.com/twintrack/recorder/internal/trace"
)

// LLMClient is the slice of the llm package the coordinator needs.
type LLMClient interface {
	Cleanup(ctx context.Context, segments []llm.SegmentInput) (string, error)
	Summarize(ctx context.Context, cleanedResults []string) (llm.Summary, error)
	Model() string
}

// Options configures a coordinator.
type Options struct {
	Client  LLMClient
	Retry   resilience.RetryConfig
	Metrics *metrics.Metrics
}

// Coordinator runs at most one LLM job at a time. Enqueue calls made
// while a job runs merge into a single pending batch, so processed
// output always reflects a prefix of the raw input in arrival order.
type Coordinator struct {
	client  LLMClient
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	events  chan Event
	wake    chan struct{}

	mu             sync.Mutex
	pending        []stream.RawSegment
	pendingJob     *job
	summaryPending *job
	jobs           map[string]*job
	results        []string

	workerDone chan struct{}
	started    bool
}

// NewCoordinator creates a coordinator. Call Start before enqueuing.
func NewCoordinator(opts Options) *Coordinator {
	retry := opts.Retry
	if retry.MaxRetries == 0 {
		retry = resilience.LLMRetryConfig()
	}
	return &Coordinator{
		client:     opts.Client,
		retry:      retry,
		metrics:    opts.Metrics,
		events:     make(chan Event, EventQueueSize),
		wake:       make(chan struct{}, 1),
		jobs:       make(map[string]*job),
		workerDone: make(chan struct{}),
	}
}

// Events delivers job lifecycle notifications.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Start launches the worker. It exits when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.worker(ctx)
}

// Enqueue adds segments to the upcoming cleanup batch and returns the
// id of the job that will cover them. Calls made while a job is running
// merge into one pending job and share its id. Non-blocking.
func (c *Coordinator) Enqueue(segments []stream.RawSegment) (string, error) {
	if len(segments) == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "no segments to enqueue")
	}

	c.mu.Lock()
	merged := c.pendingJob != nil
	if c.pendingJob == nil {
		c.pendingJob = newJob(KindCleanup)
		c.jobs[c.pendingJob.id] = c.pendingJob
	}
	c.pending = append(c.pending, segments...)
	id := c.pendingJob.id
	c.mu.Unlock()

	if c.metrics != nil {
		if merged {
			c.metrics.JobsMerged.Inc()
		} else {
			c.metrics.JobsEnqueued.Inc()
		}
	}
	c.signal()
	return id, nil
}

// EnqueueSummary schedules a summary job over all successful cleanup
// results so far. It runs after any pending cleanup work.
func (c *Coordinator) EnqueueSummary() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summaryPending != nil {
		return c.summaryPending.id, nil
	}
	j := newJob(KindSummary)
	c.jobs[j.id] = j
	c.summaryPending = j
	c.signal()
	return j.id, nil
}

// Status returns a snapshot of the job, if known.
func (c *Coordinator) Status(jobID string) (JobView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return JobView{}, false
	}
	return j.view(), true
}

// Jobs returns snapshots of all known jobs, oldest first.
func (c *Coordinator) Jobs() []JobView {
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]JobView, 0, len(c.jobs))
	for _, j := range c.jobs {
		views = append(views, j.view())
	}
	sort.Slice(views, func(i, k int) bool { return views[i].EnqueuedAt.Before(views[k].EnqueuedAt) })
	return views
}

// Results returns the successful cleanup results in completion order.
func (c *Coordinator) Results() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.results))
	copy(out, c.results)
	return out
}

// QueuedCount reports how many segments await the next job.
func (c *Coordinator) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AwaitJob blocks until the job finishes or ctx expires.
func (c *Coordinator) AwaitJob(ctx context.Context, jobID string) (JobView, error) {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return JobView{}, apperrors.Newf(apperrors.CodeNotFound, "unknown job %s", jobID)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return JobView{}, apperrors.Wrapf(ctx.Err(), apperrors.CodeTimeout, "waiting for job %s", jobID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return j.view(), nil
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer close(c.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			j := c.takeNext()
			if j == nil {
				break
			}
			if j.kind == KindSummary {
				c.runSummary(ctx, j)
			} else {
				c.runCleanup(ctx, j)
			}
		}
	}
}

// takeNext pops the next runnable job: the pending cleanup batch first,
// then a queued summary. Cleanup batches are ordered channel-major then
// by sequence at pickup time.
func (c *Coordinator) takeNext() *job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingJob != nil && len(c.pending) > 0 {
		j := c.pendingJob
		j.segments = orderSegments(c.pending)
		c.pending = nil
		c.pendingJob = nil
		return j
	}
	if c.summaryPending != nil {
		j := c.summaryPending
		c.summaryPending = nil
		return j
	}
	return nil
}

func orderSegments(segments []stream.RawSegment) []stream.RawSegment {
	out := make([]stream.RawSegment, len(segments))
	copy(out, segments)
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Channel != out[k].Channel {
			return channelRank(out[i].Channel) < channelRank(out[k].Channel)
		}
		return out[i].Sequence < out[k].Sequence
	})
	return out
}

func channelRank(ch stream.Channel) int {
	if ch == stream.ChannelPrimary {
		return 0
	}
	return 1
}

func (c *Coordinator) runCleanup(ctx context.Context, j *job) {
	ctx, span := trace.StartSpan(ctx, "cleanup_job")
	defer span.End()
	span.SetAttr("job_id", j.id)

	c.begin(j)
	slog.Info("cleanup job started", "job_id", j.id, "segments", len(j.segments))

	inputs := make([]llm.SegmentInput, len(j.segments))
	for i, s := range j.segments {
		inputs[i] = llm.SegmentInput{
			Channel:   s.Channel,
			Sequence:  s.Sequence,
			Timestamp: s.Timestamp,
			Text:      s.Text,
		}
	}

	var result string
	err := resilience.Retry(ctx, c.retry, func() error {
		c.mu.Lock()
		j.retryCount++
		c.mu.Unlock()
		var callErr error
		result, callErr = c.client.Cleanup(ctx, inputs)
		return callErr
	})

	if err != nil {
		span.SetAttr("error", err.Error())
		c.failCleanup(j, err)
		return
	}
	c.completeCleanup(j, result)
}

func (c *Coordinator) runSummary(ctx context.Context, j *job) {
	ctx, span := trace.StartSpan(ctx, "summary_job")
	defer span.End()
	span.SetAttr("job_id", j.id)

	c.begin(j)

	c.mu.Lock()
	cleaned := make([]string, len(c.results))
	copy(cleaned, c.results)
	c.mu.Unlock()

	slog.Info("summary job started", "job_id", j.id, "results", len(cleaned))

	var summary llm.Summary
	err := resilience.Retry(ctx, c.retry, func() error {
		c.mu.Lock()
		j.retryCount++
		c.mu.Unlock()
		var callErr error
		summary, callErr = c.client.Summarize(ctx, cleaned)
		return callErr
	})

	c.mu.Lock()
	j.finishedAt = time.Now()
	j.modelID = c.client.Model()
	if err != nil {
		j.status = StatusFailed
		j.err = err
	} else {
		j.status = StatusSucceeded
		j.summary = &summary
	}
	close(j.done)
	c.mu.Unlock()

	if err != nil {
		span.SetAttr("error", err.Error())
		slog.Error("summary job failed", "job_id", j.id, "error", err)
		c.emit(Event{Type: EventSummaryFailed, JobID: j.id, Err: err})
		return
	}
	slog.Info("summary job completed", "job_id", j.id, "keywords", summary.Keywords)
	c.emit(Event{Type: EventSummaryCompleted, JobID: j.id, Summary: &summary})
}

func (c *Coordinator) begin(j *job) {
	c.mu.Lock()
	j.status = StatusRunning
	j.startedAt = time.Now()
	// The first attempt is not a retry.
	j.retryCount = -1
	c.mu.Unlock()
	c.emit(Event{Type: EventJobStarted, JobID: j.id})
}

func (c *Coordinator) completeCleanup(j *job, result string) {
	c.mu.Lock()
	j.status = StatusSucceeded
	j.result = result
	j.modelID = c.client.Model()
	j.finishedAt = time.Now()
	c.results = append(c.results, result)
	close(j.done)
	duration := j.finishedAt.Sub(j.startedAt)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordJobResult(true, duration.Seconds())
	}
	slog.Info("cleanup job completed", "job_id", j.id, "duration", duration)
	c.emit(Event{Type: EventJobCompleted, JobID: j.id, Result: result})
}

// failCleanup marks the job failed and returns its segments to the
// front of the pending batch so the next trigger covers them.
func (c *Coordinator) failCleanup(j *job, err error) {
	c.mu.Lock()
	j.status = StatusFailed
	j.err = err
	j.finishedAt = time.Now()
	close(j.done)
	c.pending = append(append([]stream.RawSegment{}, j.segments...), c.pending...)
	duration := j.finishedAt.Sub(j.startedAt)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordJobResult(false, duration.Seconds())
	}
	slog.Error("cleanup job failed, segments requeued", "job_id", j.id, "error", err)
	c.emit(Event{Type: EventJobFailed, JobID: j.id, Err: err})
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("coordinator event queue full, dropping event", "type", ev.Type)
	}
}
