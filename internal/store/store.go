package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/twintrack/recorder/internal/errors"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	started_at     REAL NOT NULL,
	ended_at       REAL,
	status         TEXT NOT NULL,
	segment_count  INTEGER NOT NULL DEFAULT 0,
	word_count     INTEGER NOT NULL DEFAULT 0,
	avg_confidence REAL
);

CREATE TABLE IF NOT EXISTS segments (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	channel    TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	text       TEXT NOT NULL,
	confidence REAL,
	created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, channel, sequence);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	model_id    TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at REAL NOT NULL,
	finished_at REAL
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, enqueued_at);

CREATE TABLE IF NOT EXISTS summaries (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	summary    TEXT NOT NULL,
	keywords   TEXT NOT NULL,
	model_id   TEXT NOT NULL DEFAULT '',
	created_at REAL NOT NULL
);
`

// Open opens (creating if needed) the database with WAL journaling.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "opening database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "pinging database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "applying schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }

func timeFromUnix(sec float64) time.Time {
	return time.UnixMilli(int64(sec * 1000))
}

// CreateSession records a new active session.
func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, started_at, status, segment_count)
		VALUES (?, ?, ?, 0)
	`, sess.ID, toUnix(sess.StartedAt), SessionActive)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "inserting session")
	}
	return nil
}

// CloseSession marks a session ended with its aggregate totals.
func (s *Store) CloseSession(id string, endedAt time.Time, totals SessionTotals) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET ended_at = ?, status = ?, segment_count = ?, word_count = ?, avg_confidence = ?
		WHERE id = ?
	`, toUnix(endedAt), SessionClosed, totals.SegmentCount, totals.WordCount, totals.AvgConfidence, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "closing session")
	}
	return nil
}

// SessionByID returns a session, or nil when unknown.
func (s *Store) SessionByID(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, ended_at, status, segment_count, word_count, avg_confidence
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// LatestSession returns the most recent session regardless of status,
// or nil when the database is empty.
func (s *Store) LatestSession() (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, ended_at, status, segment_count, word_count, avg_confidence
		FROM sessions ORDER BY started_at DESC LIMIT 1
	`)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var startedAt float64
	var endedAt sql.NullFloat64
	var avgConf sql.NullFloat64
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &sess.SegmentCount, &sess.WordCount, &avgConf); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scanning session")
	}
	sess.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	if avgConf.Valid {
		sess.AvgConfidence = &avgConf.Float64
	}
	return &sess, nil
}

// InsertSegment persists one raw segment.
func (s *Store) InsertSegment(seg Segment) error {
	_, err := s.db.Exec(`
		INSERT INTO segments (id, session_id, channel, sequence, text, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, seg.ID, seg.SessionID, seg.Channel, seg.Sequence, seg.Text, seg.Confidence, toUnix(seg.CreatedAt))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "inserting segment")
	}
	return nil
}

// SegmentsForSession returns segments ordered channel-major then by
// sequence, matching job batch order.
func (s *Store) SegmentsForSession(sessionID string) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, channel, sequence, text, confidence, created_at
		FROM segments WHERE session_id = ?
		ORDER BY channel DESC, sequence ASC
	`, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "querying segments")
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var createdAt float64
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Channel, &seg.Sequence,
			&seg.Text, &seg.Confidence, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scanning segment")
		}
		seg.CreatedAt = timeFromUnix(createdAt)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SaveJob inserts or replaces a job record.
func (s *Store) SaveJob(j Job) error {
	var finishedAt any
	if j.FinishedAt != nil {
		finishedAt = toUnix(*j.FinishedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, session_id, kind, status, result, error, model_id, retry_count, enqueued_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			model_id = excluded.model_id,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at
	`, j.ID, j.SessionID, j.Kind, j.Status, j.Result, j.Error, j.ModelID, j.RetryCount,
		toUnix(j.EnqueuedAt), finishedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "saving job")
	}
	return nil
}

// JobsForSession returns jobs in enqueue order.
func (s *Store) JobsForSession(sessionID string) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, status, result, error, model_id, retry_count, enqueued_at, finished_at
		FROM jobs WHERE session_id = ? ORDER BY enqueued_at ASC
	`, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "querying jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var enqueuedAt float64
		var finishedAt sql.NullFloat64
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Kind, &j.Status, &j.Result, &j.Error,
			&j.ModelID, &j.RetryCount, &enqueuedAt, &finishedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scanning job")
		}
		j.EnqueuedAt = timeFromUnix(enqueuedAt)
		if finishedAt.Valid {
			t := timeFromUnix(finishedAt.Float64)
			j.FinishedAt = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SaveSummary persists a session summary.
func (s *Store) SaveSummary(sum Summary) error {
	keywords, err := json.Marshal(sum.Keywords)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encoding keywords")
	}
	_, err = s.db.Exec(`
		INSERT INTO summaries (id, session_id, summary, keywords, model_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sum.ID, sum.SessionID, sum.Summary, string(keywords), sum.ModelID, toUnix(sum.CreatedAt))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "inserting summary")
	}
	return nil
}

// SummaryForSession returns the latest summary for a session, or nil.
func (s *Store) SummaryForSession(sessionID string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, summary, keywords, model_id, created_at
		FROM summaries WHERE session_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, sessionID)

	var sum Summary
	var keywords string
	var createdAt float64
	if err := row.Scan(&sum.ID, &sum.SessionID, &sum.Summary, &keywords, &sum.ModelID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "scanning summary")
	}
	if err := json.Unmarshal([]byte(keywords), &sum.Keywords); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "decoding keywords")
	}
	sum.CreatedAt = timeFromUnix(createdAt)
	return &sum, nil
}
