// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Text truncation limit for result previews in API responses
	TextPreviewLimit = 500

	// Per-connection WebSocket rate limiting
	RateLimitMessages = 30          // Max messages per connection per window
	RateLimitWindow   = time.Second // Sliding window duration

	// Bound on a single broadcast write to one client
	BroadcastWriteTimeout = 5 * time.Second
)
