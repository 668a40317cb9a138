package stream

import "time"

// Stream supervision constants
const (
	// Channel buffer sizes
	SegmentQueueSize = 100
	EventQueueSize   = 32

	// Subprocess shutdown grace period before kill
	DefaultShutdownTimeout = 5 * time.Second

	// Scanner buffer for long transcript lines
	MaxLineBytes = 256 * 1024

	// Fixed-interval mode arguments: 10s step over a 25s window gives a
	// 15s overlap for context when VAD is unreliable for a source
	FixedIntervalStepMs   = 10000
	FixedIntervalWindowMs = 25000
)
