package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/resilience"
	"github.com/twintrack/recorder/internal/stream"
)

func chatServer(t *testing.T, handler func(req chatRequest) (string, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}

		content, status := handler(req)
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, content)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test-key",
		Model:   "test-model",
	})
}

func sampleSegments() []SegmentInput {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []SegmentInput{
		{Channel: stream.ChannelPrimary, Sequence: 1, Timestamp: ts, Text: "Hello world."},
		{Channel: stream.ChannelAmbient, Sequence: 1, Timestamp: ts.Add(2 * time.Second), Text: "Hi there."},
	}
}

func TestCleanup(t *testing.T) {
	var captured chatRequest
	srv := chatServer(t, func(req chatRequest) (string, int) {
		captured = req
		return "[USER]: Hello world.\n[ASSISTANT]: Hi there.\n", http.StatusOK
	})
	defer srv.Close()

	got, err := testClient(srv).Cleanup(context.Background(), sampleSegments())
	if err != nil {
		t.Fatalf("Cleanup() = %v", err)
	}
	if got != "[USER]: Hello world.\n[ASSISTANT]: Hi there." {
		t.Errorf("result = %q", got)
	}

	if captured.Model != "test-model" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.Temperature != Temperature {
		t.Errorf("temperature = %v, want %v", captured.Temperature, Temperature)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", captured.Messages)
	}
	user := captured.Messages[1].Content
	if !strings.Contains(user, "[USER]: Hello world.") {
		t.Errorf("user message missing labeled primary segment: %q", user)
	}
	if !strings.Contains(user, "[ASSISTANT]: Hi there.") {
		t.Errorf("user message missing labeled ambient segment: %q", user)
	}
}

func TestCleanupEmptyBatch(t *testing.T) {
	srv := chatServer(t, func(chatRequest) (string, int) {
		t.Error("no request expected for empty batch")
		return "", http.StatusOK
	})
	defer srv.Close()

	if _, err := testClient(srv).Cleanup(context.Background(), nil); err == nil {
		t.Fatal("Cleanup(nil) should fail")
	}
}

func TestCleanupStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Code
	}{
		{http.StatusTooManyRequests, apperrors.CodeRateLimited},
		{http.StatusInternalServerError, apperrors.CodeUnavailable},
		{http.StatusServiceUnavailable, apperrors.CodeUnavailable},
		{http.StatusUnauthorized, apperrors.CodeConfigInvalid},
		{http.StatusBadRequest, apperrors.CodeInvalidArgument},
	}

	for _, tt := range tests {
		srv := chatServer(t, func(chatRequest) (string, int) {
			return "nope", tt.status
		})
		_, err := testClient(srv).Cleanup(context.Background(), sampleSegments())
		srv.Close()

		if apperrors.GetCode(err) != tt.want {
			t.Errorf("status %d: code = %v, want %v", tt.status, apperrors.GetCode(err), tt.want)
		}
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(chatRequest) (string, int) {
		calls.Add(1)
		return "nope", http.StatusInternalServerError
	})
	defer srv.Close()

	client := testClient(srv)
	for i := 0; i < resilience.SlowThreshold; i++ {
		if _, err := client.Cleanup(context.Background(), sampleSegments()); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	served := calls.Load()

	// The endpoint is no longer consulted once the circuit opens.
	_, err := client.Cleanup(context.Background(), sampleSegments())
	if apperrors.GetCode(err) != apperrors.CodeUnavailable {
		t.Fatalf("code = %v, want CodeUnavailable", apperrors.GetCode(err))
	}
	if calls.Load() != served {
		t.Fatalf("calls = %d, want %d", calls.Load(), served)
	}
}

func TestSummarize(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (string, int) {
		return `{"summary": "A short greeting exchange.", "keywords": ["greeting", "hello", "voice", "recording", "test"]}`, http.StatusOK
	})
	defer srv.Close()

	got, err := testClient(srv).Summarize(context.Background(), []string{"[USER]: Hello world."})
	if err != nil {
		t.Fatalf("Summarize() = %v", err)
	}
	if got.Summary != "A short greeting exchange." {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.Keywords) != SummaryKeywordCount {
		t.Errorf("keywords = %v", got.Keywords)
	}
}

func TestSummarizeSchemaFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "This session was about greetings."},
		{"missing summary", `{"keywords": ["a", "b", "c", "d", "e"]}`},
		{"too few keywords", `{"summary": "ok", "keywords": ["a", "b"]}`},
		{"too many keywords", `{"summary": "ok", "keywords": ["a", "b", "c", "d", "e", "f"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, func(chatRequest) (string, int) {
				return tt.content, http.StatusOK
			})
			defer srv.Close()

			_, err := testClient(srv).Summarize(context.Background(), []string{"text"})
			if apperrors.GetCode(err) != apperrors.CodeSchema {
				t.Errorf("code = %v, want CodeSchema", apperrors.GetCode(err))
			}
		})
	}
}

func TestFormatSegmentsOrderPreserved(t *testing.T) {
	segs := sampleSegments()
	out := formatSegments(segs)

	first := strings.Index(out, "Transcript 1")
	second := strings.Index(out, "Transcript 2")
	if first < 0 || second < 0 || first > second {
		t.Errorf("segments reordered: %q", out)
	}
}
