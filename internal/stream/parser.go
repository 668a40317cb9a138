package stream

import (
	"regexp"
	"strings"
)

// whisper-stream wraps each VAD emission in marker lines:
//
//	### Transcription 3 START
//	[00:00:00.000 --> 00:00:04.000]  some text
//	### Transcription 3 END
//
// In fixed-interval mode there are no markers and transcript lines
// arrive bare, interleaved with loader/debug chatter.
var (
	timestampRe   = regexp.MustCompile(`^\[[\d:.\s\->]+\]`)
	controlCodeRe = regexp.MustCompile(`^\[[0-9A-Za-z]+$`)
	hasLetterRe   = regexp.MustCompile(`[a-zA-Z]`)
)

// debugPrefixes mark whisper.cpp initialization and status chatter that
// must never reach the transcript.
var debugPrefixes = []string{
	"ggml_", "whisper_", "init:", "main:", "loading", "loaded",
	"system info", "audio_state", "capture_init", "sdl", "metal",
	"n_threads", "n_processors", "n_new_line", "no_context", "vad_",
	"audio_ctx", "beam_size", "temperature", "best_of", "[start speaking]",
	"[end speaking]", "[2k", "[1k", "[0k", "[blank_audio]",
}

// blockParser folds whisper-stream stdout lines into complete segment
// texts. Not safe for concurrent use; each supervisor owns one.
type blockParser struct {
	fixedInterval bool
	inBlock       bool
	lines         []string
}

func newBlockParser(fixedInterval bool) *blockParser {
	return &blockParser{fixedInterval: fixedInterval}
}

// feed consumes one output line. It returns (text, true) when a complete
// segment is available, which happens on a block END marker in VAD mode
// or on a bare transcript line in fixed-interval mode.
func (p *blockParser) feed(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	if strings.Contains(line, "### Transcription") {
		switch {
		case strings.Contains(line, "START"):
			p.inBlock = true
			p.lines = p.lines[:0]
		case strings.Contains(line, "END"):
			if !p.inBlock {
				return "", false
			}
			p.inBlock = false
			text := extractBlockText(p.lines)
			p.lines = p.lines[:0]
			if text == "" {
				return "", false
			}
			return text, true
		}
		return "", false
	}

	if p.inBlock {
		p.lines = append(p.lines, line)
		return "", false
	}

	if p.fixedInterval && isTranscriptLine(line) {
		text := cleanTranscript(stripTimestamp(line))
		if text == "" {
			return "", false
		}
		return text, true
	}

	// Anything else outside a block is chatter.
	return "", false
}

// extractBlockText joins the timestamped lines of one block into a
// single cleaned segment text.
func extractBlockText(lines []string) string {
	var parts []string
	for _, line := range lines {
		if !timestampRe.MatchString(line) {
			continue
		}
		text := strings.TrimSpace(stripTimestamp(line))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return cleanTranscript(strings.Join(parts, " "))
}

func stripTimestamp(line string) string {
	return timestampRe.ReplaceAllString(line, "")
}

// cleanTranscript removes whisper artifacts and collapses whitespace.
func cleanTranscript(text string) string {
	text = strings.ReplaceAll(text, "[BLANK_AUDIO]", "")
	return strings.Join(strings.Fields(text), " ")
}

// isTranscriptLine distinguishes speech from debug chatter in
// fixed-interval mode, where output carries no block markers.
func isTranscriptLine(line string) bool {
	if timestampRe.MatchString(line) {
		return strings.TrimSpace(stripTimestamp(line)) != ""
	}
	if isDebugLine(line) {
		return false
	}
	if controlCodeRe.MatchString(line) {
		return false
	}
	return hasLetterRe.MatchString(line)
}

func isDebugLine(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range debugPrefixes {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
