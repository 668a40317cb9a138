package stream

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/metrics"
)

// Options configures one transcription stream.
type Options struct {
	Channel        Channel
	Binary         string
	ModelPath      string
	Threads        int
	WindowLengthMs int
	StepMs         int
	KeepMs         int
	VADThreshold   float64
	FixedInterval  bool

	// Device is the capture device index, or -1 for the system default.
	Device int

	ShutdownTimeout time.Duration

	// Launcher defaults to LaunchExec when nil.
	Launcher Launcher

	Metrics *metrics.Metrics
}

func (o Options) args() []string {
	step, window := o.StepMs, o.WindowLengthMs
	if o.FixedInterval {
		step, window = FixedIntervalStepMs, FixedIntervalWindowMs
	}
	a := []string{
		"-m", o.ModelPath,
		"-t", strconv.Itoa(o.Threads),
		"--step", strconv.Itoa(step),
		"--length", strconv.Itoa(window),
		"-vth", strconv.FormatFloat(o.VADThreshold, 'g', -1, 64),
		"--keep", strconv.Itoa(o.KeepMs),
	}
	if o.Device >= 0 {
		a = append(a, "-c", strconv.Itoa(o.Device))
	}
	return a
}

// Supervisor owns one whisper-stream subprocess: launch, output parsing,
// pause/resume, and shutdown. Segments and events are delivered on
// channels that close when the subprocess exits.
type Supervisor struct {
	opts     Options
	parser   *blockParser
	segments chan RawSegment
	events   chan Event

	mu              sync.Mutex
	handle          ProcessHandle
	running         bool
	paused          bool
	dropWhilePaused bool
	stopRequested   bool

	startTime  time.Time
	readerDone chan struct{}

	// written only by the reader goroutine, read after readerDone closes
	seq      uint64
	accepted uint64
	dropped  uint64
}

// NewSupervisor creates a supervisor for one channel. Call Start to
// launch the subprocess.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = LaunchExec
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Supervisor{
		opts:       opts,
		parser:     newBlockParser(opts.FixedInterval),
		segments:   make(chan RawSegment, SegmentQueueSize),
		events:     make(chan Event, EventQueueSize),
		readerDone: make(chan struct{}),
	}
}

// Segments delivers parsed raw segments in sequence order. Closed after
// the subprocess exits.
func (s *Supervisor) Segments() <-chan RawSegment { return s.segments }

// Events delivers block-end and failure notifications. Closed after the
// subprocess exits.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Start validates the binary and model, launches the subprocess, and
// begins reading its output.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return apperrors.New(apperrors.CodeInvalidArgument, "stream already running")
	}

	if _, err := os.Stat(s.opts.Binary); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "whisper-stream binary not found at %s", s.opts.Binary)
	}
	if _, err := os.Stat(s.opts.ModelPath); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "model not found at %s", s.opts.ModelPath)
	}

	handle, err := s.opts.Launcher(ctx, s.opts.Binary, s.opts.args())
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeCaptureDevice, "launching transcription stream")
	}

	s.handle = handle
	s.running = true
	s.startTime = time.Now()
	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamsActive.Inc()
	}

	slog.Info("transcription stream started",
		"channel", s.opts.Channel,
		"fixed_interval", s.opts.FixedInterval,
		"device", s.opts.Device)

	go s.readLoop(handle)
	return nil
}

func (s *Supervisor) readLoop(h ProcessHandle) {
	defer close(s.readerDone)

	sc := bufio.NewScanner(h.Output())
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	for sc.Scan() {
		text, ok := s.parser.feed(sc.Text())
		if !ok {
			continue
		}
		if s.discarding() {
			continue
		}

		s.seq++
		seg := NewRawSegment(s.opts.Channel, s.seq, text)
		select {
		case s.segments <- seg:
			s.accepted++
		default:
			s.dropped++
			slog.Warn("segment queue full, dropping segment",
				"channel", s.opts.Channel, "sequence", seg.Sequence)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.BlocksParsed.WithLabelValues(string(s.opts.Channel)).Inc()
		}
		s.emit(Event{Type: EventBlockEnd, Channel: s.opts.Channel})
	}

	exitCode := h.Wait()
	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamsActive.Dec()
	}

	if !s.wasStopRequested() {
		slog.Error("transcription stream exited unexpectedly",
			"channel", s.opts.Channel, "exit_code", exitCode)
		if s.opts.Metrics != nil {
			s.opts.Metrics.StreamsFailed.WithLabelValues(string(s.opts.Channel)).Inc()
		}
		s.emit(Event{
			Type:     EventFailed,
			Channel:  s.opts.Channel,
			ExitCode: exitCode,
			Err:      apperrors.Newf(apperrors.CodeCaptureCrashed, "stream exited with code %d", exitCode),
		})
	}

	close(s.segments)
	close(s.events)
}

// emit delivers an event without blocking the reader.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("event queue full, dropping event", "channel", s.opts.Channel, "type", ev.Type)
	}
}

func (s *Supervisor) discarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused && s.dropWhilePaused
}

func (s *Supervisor) wasStopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Pause suspends the subprocess, preserving its audio buffers. A no-op
// if already paused. Where suspension is unavailable the stream keeps
// running and parsed segments are discarded until Resume.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return nil
	}

	err := s.handle.Suspend()
	if errors.Is(err, ErrSuspendUnsupported) {
		s.dropWhilePaused = true
		err = nil
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "suspending stream")
	}
	s.paused = true
	slog.Info("stream paused", "channel", s.opts.Channel, "drop_mode", s.dropWhilePaused)
	return nil
}

// Resume continues a paused subprocess. A no-op if not paused.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return nil
	}

	if !s.dropWhilePaused {
		if err := s.handle.Continue(); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "resuming stream")
		}
	}
	s.paused = false
	s.dropWhilePaused = false
	slog.Info("stream resumed", "channel", s.opts.Channel)
	return nil
}

// Stop terminates the subprocess, waits for the reader to drain, and
// returns final stream statistics. Safe to call more than once.
func (s *Supervisor) Stop() Stats {
	s.mu.Lock()
	if s.handle == nil {
		s.mu.Unlock()
		return Stats{Channel: s.opts.Channel}
	}
	if !s.running {
		s.mu.Unlock()
		<-s.readerDone
		return s.stats()
	}
	s.running = false
	s.stopRequested = true
	h := s.handle
	timeout := s.opts.ShutdownTimeout
	s.mu.Unlock()

	if err := h.Terminate(); err != nil {
		slog.Warn("terminating stream", "channel", s.opts.Channel, "error", err)
	}

	select {
	case <-s.readerDone:
	case <-time.After(timeout):
		slog.Warn("stream did not exit in time, killing", "channel", s.opts.Channel)
		_ = h.Kill()
		<-s.readerDone
	}

	st := s.stats()
	slog.Info("stream stopped",
		"channel", st.Channel,
		"duration", st.Duration,
		"segments", st.Segments,
		"dropped", st.Dropped)
	return st
}

func (s *Supervisor) stats() Stats {
	return Stats{
		Channel:  s.opts.Channel,
		Duration: time.Since(s.startTime),
		Segments: s.accepted,
		Dropped:  s.dropped,
	}
}
