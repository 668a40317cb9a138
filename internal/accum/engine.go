// Package accum folds overlapping raw segments into one deduplicated
// transcript per channel.
//
// The sliding recognition window re-transcribes recent audio, so
// consecutive segments are near-duplicates, restatements, or extensions
// where only a tail is new. Comparison runs on normalized text while
// splicing happens on the original-cased text, because punctuation and
// casing differ across overlapping emissions of the same speech.
package accum

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/metrics"
	"github.com/twintrack/recorder/internal/stream"
	"github.com/twintrack/recorder/internal/syncx"
	"github.com/twintrack/recorder/internal/textdist"
)

// Transcript is a snapshot of the accumulated state for one channel.
type Transcript struct {
	Channel    stream.Channel
	Clean      string
	Normalized string
	SegmentIDs []string
}

// Options configures an engine.
type Options struct {
	Channel stream.Channel

	// SimilarityThreshold is the fuzzy-match cutoff, in (0, 1].
	SimilarityThreshold float64

	// Weights tune the punctuation-aware edit distance.
	Weights textdist.Weights

	// ComparisonWindow bounds the suffix search, in words.
	ComparisonWindow int

	Metrics *metrics.Metrics
}

type engineState struct {
	clean          string
	normalized     string
	segmentIDs     []string
	lastSequence   uint64
	lastNormalized string
}

// Engine deduplicates raw segments for one channel. Ingest must be
// called from a single goroutine in sequence order; Snapshot may be
// called concurrently from readers.
type Engine struct {
	opts  Options
	state *syncx.RWGuard[engineState]
}

// NewEngine creates an engine with empty state.
func NewEngine(opts Options) *Engine {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.ComparisonWindow <= 0 {
		opts.ComparisonWindow = DefaultComparisonWindow
	}
	if opts.Weights == (textdist.Weights{}) {
		opts.Weights = textdist.DefaultWeights()
	}
	return &Engine{opts: opts, state: syncx.NewGuard(engineState{})}
}

// Reset clears accumulated state for a new session.
func (e *Engine) Reset() {
	e.state.Set(engineState{})
}

// Snapshot returns the current transcript without blocking the writer
// beyond a read lock.
func (e *Engine) Snapshot() Transcript {
	st := e.state.Get()
	return Transcript{
		Channel:    e.opts.Channel,
		Clean:      st.clean,
		Normalized: st.normalized,
		SegmentIDs: st.segmentIDs,
	}
}

type ingestResult struct {
	suffix     string
	transcript Transcript
	err        error
	outcome    string
}

// Ingest folds one raw segment into the transcript. It returns the
// newly appended portion of the clean text, which is empty when the
// segment was a duplicate. Repeated or out-of-order sequence numbers
// are a caller error and leave the transcript unchanged.
func (e *Engine) Ingest(seg stream.RawSegment) (string, Transcript, error) {
	res := e.state.Update(func(st *engineState) any {
		return e.ingestLocked(st, seg)
	}).(ingestResult)

	if e.opts.Metrics != nil && res.err == nil {
		ch := string(e.opts.Channel)
		e.opts.Metrics.RecordIngest(ch)
		switch res.outcome {
		case outcomeExact, outcomeContained:
			e.opts.Metrics.RecordDuplicate(ch, res.outcome)
		case outcomeExtended, outcomeAppended:
			e.opts.Metrics.RecordExtension(ch, utf8.RuneCountInString(res.transcript.Clean))
		}
	}
	if e.opts.Metrics != nil && res.err != nil {
		e.opts.Metrics.RecordSequenceError(string(e.opts.Channel))
	}
	return res.suffix, res.transcript, res.err
}

const (
	outcomeExact     = "exact"
	outcomeContained = "contained"
	outcomeExtended  = "extended"
	outcomeAppended  = "appended"
	outcomeEmpty     = "empty"
)

func (e *Engine) ingestLocked(st *engineState, seg stream.RawSegment) ingestResult {
	snapshot := func() Transcript {
		return Transcript{
			Channel:    e.opts.Channel,
			Clean:      st.clean,
			Normalized: st.normalized,
			SegmentIDs: st.segmentIDs,
		}
	}

	if seg.Sequence <= st.lastSequence {
		err := apperrors.Newf(apperrors.CodeAccumulation,
			"segment sequence %d not after %d on channel %s",
			seg.Sequence, st.lastSequence, e.opts.Channel)
		slog.Error("rejecting out-of-order segment",
			"channel", e.opts.Channel, "sequence", seg.Sequence, "last", st.lastSequence)
		return ingestResult{transcript: snapshot(), err: err}
	}
	st.lastSequence = seg.Sequence

	raw := strings.TrimSpace(seg.Text)
	normalized := textdist.Normalize(raw)
	if normalized == "" {
		return ingestResult{transcript: snapshot(), outcome: outcomeEmpty}
	}

	defer func() { st.lastNormalized = normalized }()

	// Exact repeat of the previous emission.
	if normalized == st.lastNormalized {
		return ingestResult{transcript: snapshot(), outcome: outcomeExact}
	}

	// Already contained anywhere in the accumulated text.
	if st.normalized != "" && strings.Contains(st.normalized, normalized) {
		return ingestResult{transcript: snapshot(), outcome: outcomeContained}
	}

	if st.clean == "" {
		st.clean = raw
		st.normalized = normalized
		st.segmentIDs = append(st.segmentIDs, seg.ID)
		return ingestResult{suffix: raw, transcript: snapshot(), outcome: outcomeAppended}
	}

	newWords := strings.Fields(normalized)
	if suffix, ok := e.findExtension(st, raw, newWords); ok {
		if suffix != "" {
			st.clean += suffix
		}
		st.normalized = st.normalized + " " + normalized
		st.segmentIDs = append(st.segmentIDs, seg.ID)
		return ingestResult{suffix: suffix, transcript: snapshot(), outcome: outcomeExtended}
	}

	// Unrelated material: append wholesale.
	suffix := " " + raw
	st.clean += suffix
	st.normalized = st.normalized + " " + normalized
	st.segmentIDs = append(st.segmentIDs, seg.ID)
	return ingestResult{suffix: suffix, transcript: snapshot(), outcome: outcomeAppended}
}

// findExtension looks for the longest accumulated tail that fuzzily
// matches a same-length prefix of the new text. On a match it returns
// the unmatched remainder of the original-cased text, leading space
// included.
func (e *Engine) findExtension(st *engineState, raw string, newWords []string) (string, bool) {
	// Very long segments cannot be window overlaps; bound the search.
	if len(newWords) > 2*e.opts.ComparisonWindow {
		return "", false
	}

	accWords := strings.Fields(st.normalized)
	maxLen := min(len(accWords), min(len(newWords), e.opts.ComparisonWindow))

	rawTokens := strings.Fields(raw)
	wordToToken := normalizedWordIndex(rawTokens)

	for n := maxLen; n >= 1; n-- {
		accSuffix := strings.Join(accWords[len(accWords)-n:], " ")
		newPrefix := strings.Join(newWords[:n], " ")
		sim := textdist.Similarity(accSuffix, newPrefix, e.opts.Weights)
		if sim < e.opts.SimilarityThreshold {
			continue
		}
		if n == len(newWords) {
			// The entire segment overlaps the tail; nothing new.
			return "", true
		}
		start := wordToToken[n-1] + 1
		if start >= len(rawTokens) {
			return "", true
		}
		return " " + strings.Join(rawTokens[start:], " "), true
	}
	return "", false
}

// normalizedWordIndex maps each normalized word position back to the
// raw token that produced it. Punctuation-only tokens yield no word.
func normalizedWordIndex(rawTokens []string) []int {
	idx := make([]int, 0, len(rawTokens))
	for i, tok := range rawTokens {
		if textdist.Normalize(tok) != "" {
			idx = append(idx, i)
		}
	}
	return idx
}
