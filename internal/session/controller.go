// Package session owns the recording lifecycle: it wires device
// resolution, stream supervisors, accumulation engines, and the
// processing coordinator into one state machine.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twintrack/recorder/internal/accum"
	"github.com/twintrack/recorder/internal/config"
	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/llm"
	"github.com/twintrack/recorder/internal/metrics"
	"github.com/twintrack/recorder/internal/processing"
	"github.com/twintrack/recorder/internal/store"
	"github.com/twintrack/recorder/internal/stream"
	"github.com/twintrack/recorder/internal/textdist"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
)

// EventType classifies outbound controller notifications. Job and
// summary types mirror the coordinator's event names so clients see one
// uniform stream.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionStopped  EventType = "session_stopped"
	EventRawSegment      EventType = "raw_segment_added"
	EventStreamPaused    EventType = "stream_paused"
	EventStreamResumed   EventType = "stream_resumed"
	EventStreamFailed    EventType = "stream_failed"
	EventJobStarted      EventType = "job_started"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
	EventSummaryComplete EventType = "summary_completed"
	EventSummaryFailed   EventType = "summary_failed"
)

// Event is one outbound notification, fanned out to connected clients.
type Event struct {
	Type        EventType          `json:"type"`
	SessionID   string             `json:"session_id,omitempty"`
	Channel     stream.Channel     `json:"channel,omitempty"`
	Segment     *stream.RawSegment `json:"segment,omitempty"`
	CleanSuffix string             `json:"clean_suffix,omitempty"`
	JobID       string             `json:"job_id,omitempty"`
	Result      string             `json:"result,omitempty"`
	Summary     *llm.Summary       `json:"summary,omitempty"`
	ExitCode    int                `json:"exit_code,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// StreamSupervisor is the slice of the stream package the controller
// drives. stream.Supervisor implements it.
type StreamSupervisor interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() stream.Stats
	Segments() <-chan stream.RawSegment
	Events() <-chan stream.Event
}

// SupervisorFactory builds a supervisor for one channel. Replaceable in
// tests.
type SupervisorFactory func(opts stream.Options) StreamSupervisor

// DeviceResolver maps a requested device index to a concrete one.
type DeviceResolver interface {
	Resolve(requested int, ch stream.Channel) (int, error)
}

// Persister is the slice of the store the controller writes through.
// May be nil to run without persistence.
type Persister interface {
	CreateSession(sess store.Session) error
	CloseSession(id string, endedAt time.Time, totals store.SessionTotals) error
	InsertSegment(seg store.Segment) error
	SaveJob(j store.Job) error
	SaveSummary(sum store.Summary) error
}

// Options configures a controller.
type Options struct {
	Config      *config.Config
	Coordinator *processing.Coordinator
	Resolver    DeviceResolver
	Store       Persister
	Metrics     *metrics.Metrics

	// NewSupervisor defaults to wrapping stream.NewSupervisor.
	NewSupervisor SupervisorFactory
}

// StartOptions overrides per-session capture settings. Nil fields fall
// back to configuration.
type StartOptions struct {
	PrimaryDevice  *int
	AmbientDevice  *int
	CaptureAmbient *bool
}

// channelState is the per-channel wiring for one session.
type channelState struct {
	supervisor StreamSupervisor
	engine     *accum.Engine
	failed     bool
}

// Controller is the sole writer of lifecycle state. One coordination
// mutex serializes start, pause, resume, and stop so that, for example,
// a resume can never race a stop.
type Controller struct {
	cfg      *config.Config
	coord    *processing.Coordinator
	resolver DeviceResolver
	store    Persister
	metrics  *metrics.Metrics
	newSup   SupervisorFactory
	policy   TriggerPolicy
	events   chan Event

	mu            sync.Mutex
	state         State
	sessionID     string
	startedAt     time.Time
	channels      map[stream.Channel]*channelState
	queued        []stream.RawSegment
	queuedSince   int
	lastTrigger   time.Time
	segmentCount  int
	wordCount     int
	confSum       float64
	confCount     int
	lastSessionID string
	sessionCancel context.CancelFunc
	pumpWG        *sync.WaitGroup
}

// New creates an idle controller. Call Run once to attach the
// coordinator event loop before starting sessions.
func New(opts Options) *Controller {
	factory := opts.NewSupervisor
	if factory == nil {
		factory = func(o stream.Options) StreamSupervisor { return stream.NewSupervisor(o) }
	}
	cfg := opts.Config
	return &Controller{
		cfg:      cfg,
		coord:    opts.Coordinator,
		resolver: opts.Resolver,
		store:    opts.Store,
		metrics:  opts.Metrics,
		newSup:   factory,
		policy: TriggerPolicy{
			Interval:         cfg.ProcessingInterval,
			PauseDetect:      true,
			MinPauseSegments: cfg.MinPauseSegments,
		},
		events: make(chan Event, eventQueueSize),
		state:  StateIdle,
	}
}

// Events delivers session, stream, and job notifications.
func (c *Controller) Events() <-chan Event { return c.events }

// Run starts the coordinator and attaches its event forwarder. It
// returns immediately; background work stops when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.coord.Start(ctx)
	go c.forwardCoordinatorEvents(ctx)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the active session id, or the most recent one.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return c.sessionID
	}
	return c.lastSessionID
}

// Jobs snapshots every job the coordinator has seen, newest last.
func (c *Controller) Jobs() []processing.JobView { return c.coord.Jobs() }

// Results returns the successful cleanup outputs in completion order.
func (c *Controller) Results() []string { return c.coord.Results() }

// Start begins a new recording session. The coordination lock is held
// for the full transition, so concurrent lifecycle calls wait it out.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "cannot start session in state %s", c.state)
	}

	captureAmbient := c.cfg.CaptureAmbient
	if opts.CaptureAmbient != nil {
		captureAmbient = *opts.CaptureAmbient
	}
	primaryReq := c.cfg.PrimaryDevice
	if opts.PrimaryDevice != nil {
		primaryReq = *opts.PrimaryDevice
	}
	ambientReq := c.cfg.AmbientDevice
	if opts.AmbientDevice != nil {
		ambientReq = *opts.AmbientDevice
	}

	devices := map[stream.Channel]int{}
	primaryDev, err := c.resolver.Resolve(primaryReq, stream.ChannelPrimary)
	if err != nil {
		return "", err
	}
	devices[stream.ChannelPrimary] = primaryDev
	if captureAmbient {
		ambientDev, err := c.resolver.Resolve(ambientReq, stream.ChannelAmbient)
		if err != nil {
			return "", err
		}
		devices[stream.ChannelAmbient] = ambientDev
	}

	channels := map[stream.Channel]*channelState{}
	for ch, device := range devices {
		channels[ch] = &channelState{
			supervisor: c.newSup(c.streamOptions(ch, device)),
			engine: accum.NewEngine(accum.Options{
				Channel:             ch,
				SimilarityThreshold: c.cfg.SimilarityThreshold,
				Weights: textdist.Weights{
					PunctPunct:  c.cfg.PunctPunctWeight,
					PunctLetter: c.cfg.PunctLetterWeight,
				},
				ComparisonWindow: c.cfg.ComparisonWindow,
				Metrics:          c.metrics,
			}),
		}
	}

	startCtx, startCancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer startCancel()
	started := []*channelState{}
	for ch, cs := range channels {
		if err := cs.supervisor.Start(startCtx); err != nil {
			for _, prev := range started {
				prev.supervisor.Stop()
			}
			return "", apperrors.Wrapf(err, apperrors.CodeCaptureDevice, "start %s stream", ch)
		}
		started = append(started, cs)
	}

	sessionID := uuid.NewString()
	startedAt := time.Now()
	if c.store != nil {
		err := c.store.CreateSession(store.Session{
			ID:        sessionID,
			StartedAt: startedAt,
			Status:    store.SessionActive,
		})
		if err != nil {
			for _, cs := range channels {
				cs.supervisor.Stop()
			}
			return "", err
		}
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	for ch, cs := range channels {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.pumpSegments(ch, cs)
		}()
		go func() {
			defer wg.Done()
			c.pumpEvents(ch, cs)
		}()
	}
	go c.timedTriggerLoop(sessionCtx)

	c.state = StateRecording
	c.sessionID = sessionID
	c.lastSessionID = sessionID
	c.startedAt = startedAt
	c.channels = channels
	c.queued = nil
	c.queuedSince = 0
	c.lastTrigger = startedAt
	c.segmentCount = 0
	c.wordCount = 0
	c.confSum = 0
	c.confCount = 0
	c.sessionCancel = cancel
	c.pumpWG = &wg

	if c.metrics != nil {
		c.metrics.SessionsStarted.Inc()
	}
	c.emit(Event{Type: EventSessionStarted, SessionID: sessionID})
	slog.Info("session started", "session_id", sessionID, "channels", len(channels))
	return sessionID, nil
}

func (c *Controller) streamOptions(ch stream.Channel, device int) stream.Options {
	return stream.Options{
		Channel:         ch,
		Binary:          c.cfg.StreamBinary,
		ModelPath:       c.cfg.ModelPath,
		Threads:         c.cfg.Threads,
		WindowLengthMs:  c.cfg.WindowLengthMs,
		StepMs:          c.cfg.StepMs,
		KeepMs:          c.cfg.KeepMs,
		VADThreshold:    c.cfg.VADThreshold,
		FixedInterval:   c.cfg.FixedInterval,
		Device:          device,
		ShutdownTimeout: c.cfg.ShutdownTimeout,
		Metrics:         c.metrics,
	}
}

// pumpSegments drains one supervisor's segment channel. It is the only
// goroutine calling Ingest for its channel, preserving sequence order.
func (c *Controller) pumpSegments(ch stream.Channel, cs *channelState) {
	for seg := range cs.supervisor.Segments() {
		suffix, _, err := cs.engine.Ingest(seg)
		if err != nil {
			slog.Error("segment rejected", "channel", ch, "sequence", seg.Sequence, "error", err)
			continue
		}

		c.mu.Lock()
		sessionID := c.sessionID
		c.queued = append(c.queued, seg)
		c.queuedSince++
		c.segmentCount++
		c.wordCount += len(strings.Fields(seg.Text))
		if seg.Confidence != nil {
			c.confSum += *seg.Confidence
			c.confCount++
		}
		c.mu.Unlock()

		if c.store != nil {
			err := c.store.InsertSegment(store.Segment{
				ID:         seg.ID,
				SessionID:  sessionID,
				Channel:    string(seg.Channel),
				Sequence:   seg.Sequence,
				Text:       seg.Text,
				Confidence: seg.Confidence,
				CreatedAt:  seg.Timestamp,
			})
			if err != nil {
				slog.Error("persist segment", "segment_id", seg.ID, "error", err)
			}
		}

		c.emit(Event{
			Type:        EventRawSegment,
			SessionID:   sessionID,
			Channel:     ch,
			Segment:     &seg,
			CleanSuffix: suffix,
		})
	}
}

// pumpEvents drains one supervisor's lifecycle events. Block-end doubles
// as the pause-detected trigger signal.
func (c *Controller) pumpEvents(ch stream.Channel, cs *channelState) {
	for ev := range cs.supervisor.Events() {
		switch ev.Type {
		case stream.EventBlockEnd:
			c.maybeTriggerOnBlockEnd()
		case stream.EventFailed:
			c.mu.Lock()
			cs.failed = true
			sessionID := c.sessionID
			c.mu.Unlock()
			slog.Error("stream failed", "channel", ch, "exit_code", ev.ExitCode, "error", ev.Err)
			out := Event{Type: EventStreamFailed, SessionID: sessionID, Channel: ch, ExitCode: ev.ExitCode}
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
			c.emit(out)
		}
	}
}

// timedTriggerLoop fires the interval policy while recording.
func (c *Controller) timedTriggerLoop(ctx context.Context) {
	if c.policy.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			fire := c.state == StateRecording &&
				c.policy.ShouldFireOnTick(c.queuedSince, time.Since(c.lastTrigger))
			c.mu.Unlock()
			if fire {
				if _, err := c.drainAndEnqueue("timed"); err != nil {
					slog.Warn("timed trigger", "error", err)
				}
			}
		}
	}
}

func (c *Controller) maybeTriggerOnBlockEnd() {
	c.mu.Lock()
	fire := c.state == StateRecording && c.policy.ShouldFireOnBlockEnd(c.queuedSince)
	c.mu.Unlock()
	if !fire {
		return
	}
	if _, err := c.drainAndEnqueue("pause-detected"); err != nil {
		slog.Warn("pause trigger", "error", err)
	}
}

// TriggerProcessing drains the queue into a cleanup job immediately.
func (c *Controller) TriggerProcessing() (string, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateRecording && state != StatePaused {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "cannot trigger processing in state %s", state)
	}
	return c.drainAndEnqueue("manual")
}

// drainAndEnqueue atomically takes the queued segments and hands them to
// the coordinator as one batch.
func (c *Controller) drainAndEnqueue(reason string) (string, error) {
	c.mu.Lock()
	batch := c.queued
	c.queued = nil
	c.queuedSince = 0
	c.lastTrigger = time.Now()
	c.mu.Unlock()

	if len(batch) == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "no segments queued for processing")
	}
	jobID, err := c.coord.Enqueue(batch)
	if err != nil {
		// put the batch back so the next trigger retries it
		c.mu.Lock()
		c.queued = append(batch, c.queued...)
		c.queuedSince = len(c.queued)
		c.mu.Unlock()
		return "", err
	}
	slog.Info("processing triggered", "reason", reason, "job_id", jobID, "segments", len(batch))
	return jobID, nil
}

// GenerateSummary schedules a summary job over the cleanup results so
// far.
func (c *Controller) GenerateSummary() (string, error) {
	return c.coord.EnqueueSummary()
}

// Pause suspends all stream subprocesses. Idempotent; a running LLM job
// is unaffected.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePaused:
		return nil
	case StateRecording:
	default:
		return apperrors.Newf(apperrors.CodeInvalidArgument, "cannot pause in state %s", c.state)
	}
	for ch, cs := range c.channels {
		if cs.failed {
			continue
		}
		if err := cs.supervisor.Pause(); err != nil {
			return apperrors.Wrapf(err, apperrors.CodeInternal, "pause %s stream", ch)
		}
		c.emit(Event{Type: EventStreamPaused, SessionID: c.sessionID, Channel: ch})
	}
	c.state = StatePaused
	slog.Info("session paused", "session_id", c.sessionID)
	return nil
}

// Resume continues suspended stream subprocesses. Idempotent.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRecording:
		return nil
	case StatePaused:
	default:
		return apperrors.Newf(apperrors.CodeInvalidArgument, "cannot resume in state %s", c.state)
	}
	for ch, cs := range c.channels {
		if cs.failed {
			continue
		}
		if err := cs.supervisor.Resume(); err != nil {
			return apperrors.Wrapf(err, apperrors.CodeInternal, "resume %s stream", ch)
		}
		c.emit(Event{Type: EventStreamResumed, SessionID: c.sessionID, Channel: ch})
	}
	c.state = StateRecording
	slog.Info("session resumed", "session_id", c.sessionID)
	return nil
}

// StopResult reports how a session ended.
type StopResult struct {
	SessionID    string
	Duration     time.Duration
	Stats        []stream.Stats
	FinalJobID   string
	SummaryJobID string

	// Degraded is set when the final cleanup job did not finish within
	// the bounded wait. The session still closes; the late result lands
	// asynchronously.
	Degraded bool
}

// Stop ends the session: supervisors stop, their queues drain, remaining
// segments go out as one final cleanup job with a bounded wait, then a
// summary job is scheduled and the controller returns to idle.
func (c *Controller) Stop(ctx context.Context) (*StopResult, error) {
	c.mu.Lock()
	if c.state != StateRecording && c.state != StatePaused {
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "cannot stop in state %s", c.state)
	}
	c.state = StateStopping
	sessionID := c.sessionID
	startedAt := c.startedAt
	channels := c.channels
	wg := c.pumpWG
	cancel := c.sessionCancel
	c.mu.Unlock()

	// Stopping closes each supervisor's channels, which ends the pumps
	// after every buffered segment has been ingested.
	stats := make([]stream.Stats, 0, len(channels))
	for _, cs := range channels {
		stats = append(stats, cs.supervisor.Stop())
	}
	wg.Wait()
	cancel()

	result := &StopResult{SessionID: sessionID, Stats: stats}

	// Frozen snapshot: the pumps are done, so no further appends can
	// race this drain.
	jobID, err := c.drainAndEnqueue("stop")
	if err == nil {
		result.FinalJobID = jobID
		waitCtx, waitCancel := context.WithTimeout(ctx, c.cfg.FinalJobWait)
		if _, err := c.coord.AwaitJob(waitCtx, jobID); err != nil {
			result.Degraded = true
			slog.Warn("final job wait exceeded, stopping degraded", "session_id", sessionID, "job_id", jobID)
		}
		waitCancel()
	} else if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		slog.Error("final drain", "session_id", sessionID, "error", err)
	}

	if summaryID, err := c.coord.EnqueueSummary(); err == nil {
		result.SummaryJobID = summaryID
	} else {
		slog.Warn("summary enqueue", "session_id", sessionID, "error", err)
	}

	endedAt := time.Now()
	result.Duration = endedAt.Sub(startedAt)

	c.mu.Lock()
	totals := store.SessionTotals{SegmentCount: c.segmentCount, WordCount: c.wordCount}
	if c.confCount > 0 {
		avg := c.confSum / float64(c.confCount)
		totals.AvgConfidence = &avg
	}
	c.state = StateIdle
	c.sessionID = ""
	c.channels = nil
	c.pumpWG = nil
	c.sessionCancel = nil
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.CloseSession(sessionID, endedAt, totals); err != nil {
			slog.Error("close session", "session_id", sessionID, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.SessionDuration.Observe(result.Duration.Seconds())
	}
	c.emit(Event{Type: EventSessionStopped, SessionID: sessionID})
	slog.Info("session stopped", "session_id", sessionID,
		"duration", result.Duration, "segments", totals.SegmentCount, "degraded", result.Degraded)
	return result, nil
}

// Transcripts returns the accumulated transcript per channel for the
// active session.
func (c *Controller) Transcripts() map[stream.Channel]accum.Transcript {
	c.mu.Lock()
	channels := c.channels
	c.mu.Unlock()
	out := map[stream.Channel]accum.Transcript{}
	for ch, cs := range channels {
		out[ch] = cs.engine.Snapshot()
	}
	return out
}

// StatusView is a point-in-time snapshot for the status endpoint.
type StatusView struct {
	State          State            `json:"state"`
	SessionID      string           `json:"session_id,omitempty"`
	StartedAt      time.Time        `json:"started_at,omitzero"`
	SegmentCount   int              `json:"segment_count"`
	QueuedSegments int              `json:"queued_segments"`
	FailedChannels []stream.Channel `json:"failed_channels,omitempty"`
}

// Status reports the controller and queue state.
func (c *Controller) Status() StatusView {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := StatusView{
		State:          c.state,
		SessionID:      c.sessionID,
		StartedAt:      c.startedAt,
		SegmentCount:   c.segmentCount,
		QueuedSegments: len(c.queued),
	}
	for ch, cs := range c.channels {
		if cs.failed {
			view.FailedChannels = append(view.FailedChannels, ch)
		}
	}
	return view
}

// forwardCoordinatorEvents republishes job lifecycle events and persists
// their outcomes.
func (c *Controller) forwardCoordinatorEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.coord.Events():
			if !ok {
				return
			}
			c.handleCoordinatorEvent(ev)
		}
	}
}

func (c *Controller) handleCoordinatorEvent(ev processing.Event) {
	c.mu.Lock()
	sessionID := c.lastSessionID
	c.mu.Unlock()

	out := Event{Type: EventType(ev.Type), SessionID: sessionID, JobID: ev.JobID, Result: ev.Result, Summary: ev.Summary}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	c.emit(out)

	if c.store == nil {
		return
	}
	view, ok := c.coord.Status(ev.JobID)
	if !ok {
		return
	}
	switch ev.Type {
	case processing.EventJobCompleted, processing.EventJobFailed,
		processing.EventSummaryCompleted, processing.EventSummaryFailed:
		if err := c.store.SaveJob(jobRecord(sessionID, view)); err != nil {
			slog.Error("persist job", "job_id", ev.JobID, "error", err)
		}
	}
	if ev.Type == processing.EventSummaryCompleted && ev.Summary != nil {
		err := c.store.SaveSummary(store.Summary{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Summary:   ev.Summary.Summary,
			Keywords:  ev.Summary.Keywords,
			ModelID:   view.ModelID,
			CreatedAt: time.Now(),
		})
		if err != nil {
			slog.Error("persist summary", "session_id", sessionID, "error", err)
		}
	}
}

func jobRecord(sessionID string, view processing.JobView) store.Job {
	rec := store.Job{
		ID:         view.ID,
		SessionID:  sessionID,
		Kind:       string(view.Kind),
		Status:     string(view.Status),
		Result:     view.Result,
		ModelID:    view.ModelID,
		RetryCount: view.RetryCount,
		EnqueuedAt: view.EnqueuedAt,
	}
	if view.Err != nil {
		rec.Error = view.Err.Error()
	}
	if !view.FinishedAt.IsZero() {
		finished := view.FinishedAt
		rec.FinishedAt = &finished
	}
	return rec
}

// emit drops events when no consumer keeps up. Events are advisory;
// state lives in the controller and the store.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
