// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/processing"
	"github.com/twintrack/recorder/internal/session"
	"github.com/twintrack/recorder/internal/store"
	"github.com/twintrack/recorder/internal/trace"
)

// Message is the envelope every WebSocket frame carries.
type Message struct {
	Type string `json:"type"`
}

type commandMessage struct {
	Type string `json:"type"`
}

type ackMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type statusMessage struct {
	Type   string             `json:"type"`
	Status session.StatusView `json:"status"`
}

// jobSummary is the wire shape of one processing job.
type jobSummary struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
}

// HistoryStore reads persisted sessions. May be nil when the recorder
// runs without a database.
type HistoryStore interface {
	LatestSession() (*store.Session, error)
	SegmentsForSession(sessionID string) ([]store.Segment, error)
	JobsForSession(sessionID string) ([]store.Job, error)
	SummaryForSession(sessionID string) (*store.Summary, error)
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctrl       *session.Controller
	history    HistoryStore
	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a new server and starts the event broadcaster.
func New(ctrl *session.Controller, history HistoryStore) *Server {
	s := &Server{
		ctrl:       ctrl,
		history:    history,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}
	go s.broadcastEvents()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/pause", s.handleSessionPause)
	mux.HandleFunc("POST /api/session/resume", s.handleSessionResume)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /api/processing/trigger", s.handleProcessingTrigger)
	mux.HandleFunc("POST /api/summary/generate", s.handleSummaryGenerate)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/sessions/latest", s.handleLatestSession)

	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// httpStatus maps failure codes to response codes.
func httpStatus(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodeInvalidArgument:
		return http.StatusConflict
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeCaptureDevice, apperrors.CodeConfigInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{
		"error": err.Error(),
		"code":  apperrors.GetCode(err).String(),
	})
}

type startRequest struct {
	PrimaryDevice  *int  `json:"primary_device,omitempty"`
	AmbientDevice  *int  `json:"ambient_device,omitempty"`
	CaptureAmbient *bool `json:"capture_ambient,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "decode start request"))
			return
		}
	}

	sessionID, err := s.ctrl.Start(r.Context(), session.StartOptions{
		PrimaryDevice:  req.PrimaryDevice,
		AmbientDevice:  req.AmbientDevice,
		CaptureAmbient: req.CaptureAmbient,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "recording_started",
		"session_id": sessionID,
	})
}

func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording_paused"})
}

func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording_resumed"})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "recording_stopped",
		"session_id":       result.SessionID,
		"duration_seconds": result.Duration.Seconds(),
		"final_job_id":     result.FinalJobID,
		"summary_job_id":   result.SummaryJobID,
		"degraded":         result.Degraded,
	})
}

func (s *Server) handleProcessingTrigger(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.ctrl.TriggerProcessing()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleSummaryGenerate(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.ctrl.GenerateSummary()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session": s.ctrl.Status(),
		"jobs":    jobSummaries(s.ctrl.Jobs()),
	})
}

func jobSummaries(views []processing.JobView) []jobSummary {
	out := make([]jobSummary, 0, len(views))
	for _, v := range views {
		js := jobSummary{
			ID:         v.ID,
			Kind:       string(v.Kind),
			Status:     string(v.Status),
			RetryCount: v.RetryCount,
			Result:     preview(v.Result),
			ModelID:    v.ModelID,
		}
		if v.Err != nil {
			js.Error = v.Err.Error()
		}
		out = append(out, js)
	}
	return out
}

func preview(text string) string {
	if len(text) > TextPreviewLimit {
		return text[:TextPreviewLimit] + "..."
	}
	return text
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	channels := map[string]any{}
	for ch, tr := range s.ctrl.Transcripts() {
		channels[string(ch)] = map[string]any{
			"clean":         tr.Clean,
			"segment_count": len(tr.SegmentIDs),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":  channels,
		"processed": s.ctrl.Results(),
	})
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "persistence disabled"))
		return
	}
	sess, err := s.history.LatestSession()
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "no sessions recorded"))
		return
	}
	segments, err := s.history.SegmentsForSession(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.history.JobsForSession(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.history.SummaryForSession(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"segments": segments,
		"jobs":     jobs,
		"summary":  summary,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// New clients get the current state up front.
	_ = wsjson.Write(baseCtx, conn, statusMessage{Type: "status", Status: s.ctrl.Status()})

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		// Check rate limit
		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, errorMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var cmd commandMessage
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}

		switch cmd.Type {
		case "trigger_processing":
			jobID, err := s.ctrl.TriggerProcessing()
			if err != nil {
				_ = wsjson.Write(baseCtx, conn, errorMessage{Type: "error", Message: err.Error()})
				continue
			}
			_ = wsjson.Write(baseCtx, conn, ackMessage{Type: "processing_triggered", JobID: jobID})
		case "generate_summary":
			jobID, err := s.ctrl.GenerateSummary()
			if err != nil {
				_ = wsjson.Write(baseCtx, conn, errorMessage{Type: "error", Message: err.Error()})
				continue
			}
			_ = wsjson.Write(baseCtx, conn, ackMessage{Type: "summary_requested", JobID: jobID})
		case "status":
			_ = wsjson.Write(baseCtx, conn, statusMessage{Type: "status", Status: s.ctrl.Status()})
		}
	}
}

// broadcastEvents fans controller notifications out to every client.
func (s *Server) broadcastEvents() {
	for ev := range s.ctrl.Events() {
		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn, e session.Event) {
				ctx, cancel := context.WithTimeout(context.Background(), BroadcastWriteTimeout)
				defer cancel()
				_ = wsjson.Write(ctx, c, e)
			}(conn, ev)
		}
		s.mu.RUnlock()
	}
}
