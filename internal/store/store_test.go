package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	started := time.Now().Truncate(time.Millisecond)
	id := uuid.NewString()

	if err := s.CreateSession(Session{ID: id, StartedAt: started}); err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	got, err := s.SessionByID(id)
	if err != nil {
		t.Fatalf("SessionByID() = %v", err)
	}
	if got == nil || got.Status != SessionActive {
		t.Fatalf("session = %+v, want active", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}

	ended := started.Add(time.Minute)
	conf := 0.92
	totals := SessionTotals{SegmentCount: 7, WordCount: 120, AvgConfidence: &conf}
	if err := s.CloseSession(id, ended, totals); err != nil {
		t.Fatalf("CloseSession() = %v", err)
	}

	got, _ = s.SessionByID(id)
	if got.Status != SessionClosed || got.SegmentCount != 7 || got.WordCount != 120 {
		t.Errorf("closed session = %+v", got)
	}
	if got.AvgConfidence == nil || *got.AvgConfidence != conf {
		t.Errorf("avg confidence = %v, want %v", got.AvgConfidence, conf)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended = %v, want %v", got.EndedAt, ended)
	}
}

func TestSessionByIDUnknown(t *testing.T) {
	s := openTestStore(t)
	got, err := s.SessionByID("nope")
	if err != nil {
		t.Fatalf("SessionByID() = %v", err)
	}
	if got != nil {
		t.Errorf("session = %+v, want nil", got)
	}
}

func TestLatestSession(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	older := uuid.NewString()
	newer := uuid.NewString()
	s.CreateSession(Session{ID: older, StartedAt: base.Add(-time.Hour)})
	s.CreateSession(Session{ID: newer, StartedAt: base})

	got, err := s.LatestSession()
	if err != nil {
		t.Fatalf("LatestSession() = %v", err)
	}
	if got == nil || got.ID != newer {
		t.Errorf("latest = %+v, want %s", got, newer)
	}
}

func TestSegmentsOrderedChannelMajor(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.NewString()
	s.CreateSession(Session{ID: sessionID, StartedAt: time.Now()})

	insert := func(channel string, seq uint64, text string) {
		t.Helper()
		err := s.InsertSegment(Segment{
			ID: uuid.NewString(), SessionID: sessionID,
			Channel: channel, Sequence: seq, Text: text, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("InsertSegment() = %v", err)
		}
	}

	insert("ambient-system", 1, "amb one")
	insert("primary-voice", 2, "pri two")
	insert("primary-voice", 1, "pri one")
	insert("ambient-system", 2, "amb two")

	segments, err := s.SegmentsForSession(sessionID)
	if err != nil {
		t.Fatalf("SegmentsForSession() = %v", err)
	}
	var got []string
	for _, seg := range segments {
		got = append(got, seg.Text)
	}
	want := []string{"pri one", "pri two", "amb one", "amb two"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSaveJobUpsert(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.NewString()
	s.CreateSession(Session{ID: sessionID, StartedAt: time.Now()})

	j := Job{
		ID: uuid.NewString(), SessionID: sessionID,
		Kind: "cleanup", Status: "queued", EnqueuedAt: time.Now(),
	}
	if err := s.SaveJob(j); err != nil {
		t.Fatalf("SaveJob() = %v", err)
	}

	finished := time.Now().Add(time.Second)
	j.Status = "succeeded"
	j.Result = "cleaned text"
	j.ModelID = "test-model"
	j.RetryCount = 1
	j.FinishedAt = &finished
	if err := s.SaveJob(j); err != nil {
		t.Fatalf("SaveJob(update) = %v", err)
	}

	jobs, err := s.JobsForSession(sessionID)
	if err != nil {
		t.Fatalf("JobsForSession() = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 after upsert", len(jobs))
	}
	got := jobs[0]
	if got.Status != "succeeded" || got.Result != "cleaned text" || got.RetryCount != 1 {
		t.Errorf("job = %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not persisted")
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.NewString()
	s.CreateSession(Session{ID: sessionID, StartedAt: time.Now()})

	none, err := s.SummaryForSession(sessionID)
	if err != nil || none != nil {
		t.Fatalf("SummaryForSession(empty) = %+v, %v", none, err)
	}

	sum := Summary{
		ID: uuid.NewString(), SessionID: sessionID,
		Summary:  "A session about storage.",
		Keywords: []string{"sqlite", "storage", "sessions", "jobs", "keywords"},
		ModelID:  "test-model", CreatedAt: time.Now(),
	}
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary() = %v", err)
	}

	got, err := s.SummaryForSession(sessionID)
	if err != nil {
		t.Fatalf("SummaryForSession() = %v", err)
	}
	if got.Summary != sum.Summary {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.Keywords) != 5 || got.Keywords[0] != "sqlite" {
		t.Errorf("keywords = %v", got.Keywords)
	}
}
