// Package llm talks to an OpenAI-compatible chat completions API for
// transcript cleanup and session summaries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/metrics"
	"github.com/twintrack/recorder/internal/resilience"
	"github.com/twintrack/recorder/internal/stream"
)

// SegmentInput is one raw segment prepared for a cleanup call.
type SegmentInput struct {
	Channel   stream.Channel
	Sequence  uint64
	Timestamp time.Time
	Text      string
}

// Summary is the validated result of a summary call.
type Summary struct {
	Summary  string
	Keywords []string
}

// Client calls one OpenAI-compatible endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	breaker *resilience.Breaker
	metrics *metrics.Metrics
}

// Options configures a client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// NewClient creates a client. BaseURL must include the API version
// prefix, e.g. https://api.lambda.ai/v1.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		hc:      &http.Client{Timeout: opts.Timeout},
		breaker: resilience.New(resilience.SlowConfig()),
		metrics: opts.Metrics,
	}
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// Cleanup merges overlapping segments into one faithful transcript.
// Segments must already be ordered channel-major then by sequence.
func (c *Client) Cleanup(ctx context.Context, segments []SegmentInput) (string, error) {
	if len(segments) == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "no segments to clean up")
	}

	user := "Please process these overlapping transcripts:\n\n" + formatSegments(segments)
	content, err := c.complete(ctx, "cleanup", cleanupSystemPrompt, user, CleanupMaxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Summarize produces a one-sentence summary with exactly five keywords
// from the ordered cleanup results. Any other response shape is a
// schema failure, never a partial accept.
func (c *Client) Summarize(ctx context.Context, cleanedResults []string) (Summary, error) {
	if len(cleanedResults) == 0 {
		return Summary{}, apperrors.New(apperrors.CodeInvalidArgument, "no processed transcripts to summarize")
	}

	user := "Please analyze this transcript session and generate a summary:\n\n" +
		strings.Join(cleanedResults, "\n")
	content, err := c.complete(ctx, "summary", summarySystemPrompt, user, SummaryMaxTokens)
	if err != nil {
		return Summary{}, err
	}
	return parseSummary(content)
}

func parseSummary(content string) (Summary, error) {
	var parsed struct {
		Summary  string   `json:"summary"`
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return Summary{}, apperrors.Wrap(err, apperrors.CodeSchema, "summary response is not valid JSON")
	}
	if parsed.Summary == "" {
		return Summary{}, apperrors.New(apperrors.CodeSchema, "summary response missing summary field")
	}
	if len(parsed.Keywords) != SummaryKeywordCount {
		return Summary{}, apperrors.Newf(apperrors.CodeSchema,
			"summary response has %d keywords, want %d", len(parsed.Keywords), SummaryKeywordCount)
	}
	return Summary{Summary: parsed.Summary, Keywords: parsed.Keywords}, nil
}

// formatSegments renders segments one per paragraph, channel-labeled as
// speaker roles with timestamps for chronological context.
func formatSegments(segments []SegmentInput) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Transcript %d (%s) [%s]: %s",
			i+1, seg.Timestamp.Format(time.RFC3339), roleFor(seg.Channel), seg.Text)
	}
	return b.String()
}

func roleFor(ch stream.Channel) string {
	switch ch {
	case stream.ChannelPrimary:
		return "USER"
	case stream.ChannelAmbient:
		return "ASSISTANT"
	default:
		return "UNKNOWN"
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, kind, system, user string, maxTokens int) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "llm endpoint circuit open")
	}
	start := time.Now()
	content, err := c.doComplete(ctx, system, user, maxTokens)
	if err != nil && apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		c.breaker.Failure()
	} else if err == nil {
		c.breaker.Success()
	}
	if c.metrics != nil {
		c.metrics.RecordLLMCall(kind, err, apperrors.GetCode(err).String(), time.Since(start).Seconds())
	}
	return content, err
}

func (c *Client) doComplete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "encoding chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "building chat request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(err, apperrors.CodeCancelled, "chat request cancelled")
		}
		return "", apperrors.Wrap(err, apperrors.CodeTimeout, "chat request transport failure")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError(resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "decoding chat response")
	}
	if len(parsed.Choices) == 0 {
		return "", apperrors.New(apperrors.CodeUnavailable, "chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func statusError(status int, body string) error {
	msg := fmt.Sprintf("chat completions returned %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.CodeRateLimited, msg)
	case status >= 500:
		return apperrors.New(apperrors.CodeUnavailable, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.CodeConfigInvalid, msg)
	default:
		return apperrors.New(apperrors.CodeInvalidArgument, msg)
	}
}
