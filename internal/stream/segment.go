// Package stream manages whisper-stream subprocesses and parses their
// output into raw transcript segments.
package stream

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies one of the two fixed audio sources.
type Channel string

const (
	// ChannelPrimary is the local microphone.
	ChannelPrimary Channel = "primary-voice"
	// ChannelAmbient is captured system audio.
	ChannelAmbient Channel = "ambient-system"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelPrimary || c == ChannelAmbient
}

// RawSegment is the concatenated text of one completed transcription
// block. Immutable once created.
type RawSegment struct {
	ID         string
	Channel    Channel
	Sequence   uint64
	Text       string
	Timestamp  time.Time
	Confidence *float64
}

// NewRawSegment creates a segment with a fresh id and the current time.
func NewRawSegment(ch Channel, seq uint64, text string) RawSegment {
	return RawSegment{
		ID:        uuid.NewString(),
		Channel:   ch,
		Sequence:  seq,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// EventType classifies supervisor lifecycle events.
type EventType string

const (
	// EventBlockEnd fires when a transcription block completes. It doubles
	// as the voice-activity pause signal for trigger policies.
	EventBlockEnd EventType = "block_end"
	// EventFailed fires when the subprocess exits unexpectedly. Terminal.
	EventFailed EventType = "stream_failed"
)

// Event is a supervisor lifecycle notification.
type Event struct {
	Type     EventType
	Channel  Channel
	ExitCode int
	Err      error
}

// Stats summarizes a stopped stream.
type Stats struct {
	Channel  Channel
	Duration time.Duration
	Segments uint64
	Dropped  uint64
}
