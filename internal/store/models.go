// Package store persists sessions, segments, jobs, and summaries to a
// local SQLite database.
package store

import "time"

// Session is one recording session.
type Session struct {
	ID            string
	StartedAt     time.Time
	EndedAt       *time.Time
	Status        string
	SegmentCount  int
	WordCount     int
	AvgConfidence *float64
}

// SessionTotals are the aggregate counters recorded when a session
// closes.
type SessionTotals struct {
	SegmentCount  int
	WordCount     int
	AvgConfidence *float64
}

// Session status values
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Segment is one persisted raw segment.
type Segment struct {
	ID         string
	SessionID  string
	Channel    string
	Sequence   uint64
	Text       string
	Confidence *float64
	CreatedAt  time.Time
}

// Job is one persisted processing job record.
type Job struct {
	ID         string
	SessionID  string
	Kind       string
	Status     string
	Result     string
	Error      string
	ModelID    string
	RetryCount int
	EnqueuedAt time.Time
	FinishedAt *time.Time
}

// Summary is one persisted session summary.
type Summary struct {
	ID        string
	SessionID string
	Summary   string
	Keywords  []string
	ModelID   string
	CreatedAt time.Time
}
