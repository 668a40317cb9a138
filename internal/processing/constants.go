package processing

// Coordinator constants
const (
	// Event channel buffer
	EventQueueSize = 64
)
