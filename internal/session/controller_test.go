package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/twintrack/recorder/internal/config"
	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/llm"
	"github.com/twintrack/recorder/internal/processing"
	"github.com/twintrack/recorder/internal/resilience"
	"github.com/twintrack/recorder/internal/store"
	"github.com/twintrack/recorder/internal/stream"
)

type fakeSupervisor struct {
	channel  stream.Channel
	segments chan stream.RawSegment
	events   chan stream.Event
	stopOnce sync.Once

	mu      sync.Mutex
	paused  int
	resumed int
}

func newFakeSupervisor(ch stream.Channel) *fakeSupervisor {
	return &fakeSupervisor{
		channel:  ch,
		segments: make(chan stream.RawSegment, 16),
		events:   make(chan stream.Event, 16),
	}
}

func (f *fakeSupervisor) Start(ctx context.Context) error { return nil }

func (f *fakeSupervisor) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakeSupervisor) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakeSupervisor) Stop() stream.Stats {
	f.stopOnce.Do(func() {
		close(f.segments)
		close(f.events)
	})
	return stream.Stats{Channel: f.channel}
}

func (f *fakeSupervisor) Segments() <-chan stream.RawSegment { return f.segments }
func (f *fakeSupervisor) Events() <-chan stream.Event        { return f.events }

func (f *fakeSupervisor) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeResolver struct{}

func (fakeResolver) Resolve(requested int, ch stream.Channel) (int, error) {
	return requested, nil
}

type fakeLLM struct {
	mu       sync.Mutex
	gate     chan struct{}
	cleanups int
}

func (f *fakeLLM) Cleanup(ctx context.Context, segments []llm.SegmentInput) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.cleanups++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", apperrors.Wrap(ctx.Err(), apperrors.CodeCancelled, "cleanup cancelled")
		}
	}
	return "cleaned text", nil
}

func (f *fakeLLM) Summarize(ctx context.Context, cleanedResults []string) (llm.Summary, error) {
	return llm.Summary{
		Summary:  "a short talk",
		Keywords: []string{"a", "b", "c", "d", "e"},
	}, nil
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]store.Session
	closed    map[string]store.SessionTotals
	segments  []store.Segment
	jobs      map[string]store.Job
	summaries []store.Summary
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]store.Session{},
		closed:   map[string]store.SessionTotals{},
		jobs:     map[string]store.Job{},
	}
}

func (m *memStore) CreateSession(sess store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) CloseSession(id string, endedAt time.Time, totals store.SessionTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[id] = totals
	return nil
}

func (m *memStore) InsertSegment(seg store.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, seg)
	return nil
}

func (m *memStore) SaveJob(j store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) SaveSummary(sum store.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, sum)
	return nil
}

func (m *memStore) summaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}

func testConfig() *config.Config {
	return &config.Config{
		StartTimeout:        time.Second,
		ShutdownTimeout:     time.Second,
		CaptureAmbient:      true,
		PrimaryDevice:       -1,
		AmbientDevice:       -1,
		SimilarityThreshold: 0.85,
		PunctPunctWeight:    0.1,
		PunctLetterWeight:   0.5,
		ComparisonWindow:    30,
		ProcessingInterval:  0,
		MinPauseSegments:    100,
		FinalJobWait:        2 * time.Second,
	}
}

type harness struct {
	ctrl  *Controller
	coord *processing.Coordinator
	sups  map[stream.Channel]*fakeSupervisor
	store *memStore
	llm   *fakeLLM
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		sups:  map[stream.Channel]*fakeSupervisor{},
		store: newMemStore(),
		llm:   &fakeLLM{},
	}
	h.coord = processing.NewCoordinator(processing.Options{
		Client: h.llm,
		Retry:  resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	h.ctrl = New(Options{
		Config:      cfg,
		Coordinator: h.coord,
		Resolver:    fakeResolver{},
		Store:       h.store,
		NewSupervisor: func(o stream.Options) StreamSupervisor {
			sup := newFakeSupervisor(o.Channel)
			h.sups[o.Channel] = sup
			return sup
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctrl.Run(ctx)
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())

	sessionID, err := h.ctrl.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ctrl.State() != StateRecording {
		t.Fatalf("state = %s, want recording", h.ctrl.State())
	}
	if len(h.sups) != 2 {
		t.Fatalf("supervisors = %d, want 2", len(h.sups))
	}
	h.store.mu.Lock()
	_, created := h.store.sessions[sessionID]
	h.store.mu.Unlock()
	if !created {
		t.Fatal("session not persisted")
	}

	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "Hello there.")
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 2, "Hello there. How are you?")

	waitFor(t, func() bool {
		return h.ctrl.Status().SegmentCount == 2
	}, "segments never ingested")

	result, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.ctrl.State() != StateIdle {
		t.Fatalf("state after stop = %s, want idle", h.ctrl.State())
	}
	if result.FinalJobID == "" {
		t.Fatal("expected a final cleanup job")
	}
	if result.Degraded {
		t.Fatal("stop should not be degraded")
	}
	if result.SummaryJobID == "" {
		t.Fatal("expected a summary job")
	}

	view, ok := h.coord.Status(result.FinalJobID)
	if !ok || view.Status != processing.StatusSucceeded {
		t.Fatalf("final job status = %+v", view)
	}
	if len(view.SegmentIDs) != 2 {
		t.Fatalf("final job segments = %d, want 2", len(view.SegmentIDs))
	}

	h.store.mu.Lock()
	totals, closed := h.store.closed[sessionID]
	segs := len(h.store.segments)
	h.store.mu.Unlock()
	if !closed || totals.SegmentCount != 2 {
		t.Fatalf("session close: closed=%v totals=%+v", closed, totals)
	}
	if totals.WordCount != 7 {
		t.Fatalf("word count = %d, want 7", totals.WordCount)
	}
	if segs != 2 {
		t.Fatalf("persisted segments = %d, want 2", segs)
	}

	waitFor(t, func() bool { return h.store.summaryCount() == 1 }, "summary never persisted")

	transcripts := h.ctrl.Transcripts()
	if len(transcripts) != 0 {
		t.Fatalf("transcripts after stop = %d, want 0", len(transcripts))
	}
}

func TestTranscriptAccumulatesExtensions(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "One rainy Tuesday the baker forgot the salt.")
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 2, "one rainy tuesday the baker forgot the salt. She knocked twice.")

	waitFor(t, func() bool { return h.ctrl.Status().SegmentCount == 2 }, "segments never ingested")

	got := h.ctrl.Transcripts()[stream.ChannelPrimary].Clean
	want := "One rainy Tuesday the baker forgot the salt. She knocked twice."
	if got != want {
		t.Fatalf("transcript = %q, want %q", got, want)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if h.ctrl.State() != StatePaused {
		t.Fatalf("state = %s, want paused", h.ctrl.State())
	}
	if got := h.sups[stream.ChannelPrimary].pauseCount(); got != 1 {
		t.Fatalf("pause calls = %d, want 1", got)
	}

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if h.ctrl.State() != StateRecording {
		t.Fatalf("state = %s, want recording", h.ctrl.State())
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.ctrl.Pause(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("Pause while idle: %v", err)
	}
	if err := h.ctrl.Resume(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("Resume while idle: %v", err)
	}
	if _, err := h.ctrl.Stop(context.Background()); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("Stop while idle: %v", err)
	}
	if _, err := h.ctrl.TriggerProcessing(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("TriggerProcessing while idle: %v", err)
	}

	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("double Start: %v", err)
	}
}

func TestManualTriggerEmptyQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.ctrl.TriggerProcessing(); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("trigger with empty queue: %v", err)
	}
}

func TestManualTrigger(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "Testing one two.")
	waitFor(t, func() bool { return h.ctrl.Status().SegmentCount == 1 }, "segment never ingested")

	jobID, err := h.ctrl.TriggerProcessing()
	if err != nil {
		t.Fatalf("TriggerProcessing: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := h.coord.AwaitJob(waitCtx, jobID)
	if err != nil {
		t.Fatalf("AwaitJob: %v", err)
	}
	if view.Status != processing.StatusSucceeded {
		t.Fatalf("job status = %s", view.Status)
	}
	if h.ctrl.Status().QueuedSegments != 0 {
		t.Fatal("queue should be empty after trigger")
	}
}

func TestPauseDetectedTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.MinPauseSegments = 1
	h := newHarness(t, cfg)
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "A pause is coming.")
	waitFor(t, func() bool { return h.ctrl.Status().SegmentCount == 1 }, "segment never ingested")

	primary.events <- stream.Event{Type: stream.EventBlockEnd, Channel: stream.ChannelPrimary}

	waitFor(t, func() bool { return h.llm.cleanupCount() >= 1 }, "block-end never triggered a cleanup job")
}

func TestStreamFailureIsolatedToChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ambient := h.sups[stream.ChannelAmbient]
	ambient.events <- stream.Event{
		Type:     stream.EventFailed,
		Channel:  stream.ChannelAmbient,
		ExitCode: 3,
		Err:      apperrors.New(apperrors.CodeCaptureCrashed, "process exited"),
	}

	waitFor(t, func() bool {
		return len(h.ctrl.Status().FailedChannels) == 1
	}, "failure never surfaced")

	// The healthy channel still records and the session still pauses.
	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "Still going.")
	waitFor(t, func() bool { return h.ctrl.Status().SegmentCount == 1 }, "healthy channel stalled")

	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause with failed channel: %v", err)
	}
	if got := ambient.pauseCount(); got != 0 {
		t.Fatalf("failed channel pause calls = %d, want 0", got)
	}
}

func TestStopDegradedWhenFinalJobHangs(t *testing.T) {
	cfg := testConfig()
	cfg.FinalJobWait = 50 * time.Millisecond
	h := newHarness(t, cfg)
	gate := make(chan struct{})
	h.llm.gate = gate
	defer close(gate)

	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "Slow cleanup ahead.")
	waitFor(t, func() bool { return h.ctrl.Status().SegmentCount == 1 }, "segment never ingested")

	result, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degraded stop")
	}
	if h.ctrl.State() != StateIdle {
		t.Fatalf("state = %s, want idle", h.ctrl.State())
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	primary := h.sups[stream.ChannelPrimary]
	primary.segments <- stream.NewRawSegment(stream.ChannelPrimary, 1, "An event worth hearing.")

	seen := map[EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventSessionStarted] || !seen[EventRawSegment] {
		select {
		case ev := <-h.ctrl.Events():
			seen[ev.Type] = true
			if ev.Type == EventRawSegment && ev.Segment == nil {
				t.Fatal("raw segment event without segment payload")
			}
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}
