package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.CheckpointConfig{Path: filepath.Join(t.TempDir(), "checkpoint.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleJob(id string) (JobRecord, []book.Chapter, []book.Segment) {
	job := JobRecord{
		ID:           id,
		Fingerprint:  book.ComputeFingerprint("sample text", "en"),
		Title:        "Sample Book",
		Language:     "en",
		State:        JobQueued,
		SegmentCount: 3,
	}
	chapters := []book.Chapter{
		{Index: 0, Title: "Chapter 1", StartSegment: 0, EndSegment: 1, Confidence: 1},
		{Index: 1, Title: "Chapter 2", StartSegment: 2, EndSegment: 2, Confidence: 0.8},
	}
	segments := []book.Segment{
		{JobID: id, Index: 0, ChapterIndex: 0, Text: "First sentence.", Voice: book.VoiceParams{Voice: "narrator"}},
		{JobID: id, Index: 1, ChapterIndex: 0, Text: "Second sentence."},
		{JobID: id, Index: 2, ChapterIndex: 1, Text: "Third sentence.", ForcedCut: true},
	}
	return job, chapters, segments
}

func TestSaveAndLoadJobState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-1")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}

	st, err := s.LoadJobState(ctx, "job-1")
	if err != nil {
		t.Fatalf("load job state: %v", err)
	}
	if st.Job.Title != "Sample Book" || st.Job.State != JobQueued {
		t.Fatalf("unexpected job record: %+v", st.Job)
	}
	if len(st.Chapters) != 2 || st.Chapters[1].StartSegment != 2 {
		t.Fatalf("unexpected chapters: %+v", st.Chapters)
	}
	if len(st.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(st.Segments))
	}
	if st.Segments[0].Voice.Voice != "narrator" {
		t.Fatalf("voice params lost: %+v", st.Segments[0])
	}
	if !st.Segments[2].ForcedCut {
		t.Fatal("forced cut flag lost")
	}
	if len(st.Results) != 3 {
		t.Fatalf("expected 3 pending results, got %d", len(st.Results))
	}
	for _, r := range st.Results {
		if r.Status != StatusPending {
			t.Fatalf("segment %d status %q, want pending", r.SegmentIndex, r.Status)
		}
	}
}

func TestRecordResultUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-2")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}

	if err := s.RecordResult(ctx, SegmentResult{
		JobID: "job-2", SegmentIndex: 1, ChapterIndex: 0,
		Status: StatusInProgress, AttemptCount: 1,
	}); err != nil {
		t.Fatalf("record in progress: %v", err)
	}
	if err := s.RecordResult(ctx, SegmentResult{
		JobID: "job-2", SegmentIndex: 1, ChapterIndex: 0,
		Status: StatusSucceeded, AudioPath: "seg-1.pcm", DurationMS: 1800, AttemptCount: 1,
	}); err != nil {
		t.Fatalf("record success: %v", err)
	}

	st, err := s.LoadJobState(ctx, "job-2")
	if err != nil {
		t.Fatalf("load job state: %v", err)
	}
	r := st.Results[1]
	if r.Status != StatusSucceeded || r.AudioPath != "seg-1.pcm" || r.DurationMS != 1800 {
		t.Fatalf("unexpected result row: %+v", r)
	}
}

func TestSucceededNeverDowngraded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-3")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}

	if err := s.RecordResult(ctx, SegmentResult{
		JobID: "job-3", SegmentIndex: 0, Status: StatusSucceeded,
		AudioPath: "seg-0.pcm", DurationMS: 900, AttemptCount: 1,
	}); err != nil {
		t.Fatalf("record success: %v", err)
	}
	// A straggler attempt reporting failure after success must not win.
	if err := s.RecordResult(ctx, SegmentResult{
		JobID: "job-3", SegmentIndex: 0, Status: StatusFailed,
		ErrorMessage: "late failure", AttemptCount: 2,
	}); err != nil {
		t.Fatalf("record late failure: %v", err)
	}

	st, err := s.LoadJobState(ctx, "job-3")
	if err != nil {
		t.Fatalf("load job state: %v", err)
	}
	if st.Results[0].Status != StatusSucceeded || st.Results[0].AudioPath != "seg-0.pcm" {
		t.Fatalf("succeeded row was overwritten: %+v", st.Results[0])
	}
}

func TestResumeFoldsInProgressToPending(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-4")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := s.RecordResult(ctx, SegmentResult{
		JobID: "job-4", SegmentIndex: 2, ChapterIndex: 1,
		Status: StatusInProgress, AttemptCount: 1,
	}); err != nil {
		t.Fatalf("record in progress: %v", err)
	}

	st, err := s.LoadJobState(ctx, "job-4")
	if err != nil {
		t.Fatalf("load job state: %v", err)
	}
	r := st.Results[2]
	if r.Status != StatusPending {
		t.Fatalf("in-progress row not folded to pending: %+v", r)
	}
	if r.AttemptCount != 2 {
		t.Fatalf("attempt count not bumped on resume: %+v", r)
	}

	// The raw rows keep what is actually stored; only the resume path folds.
	rows, err := s.Results(ctx, "job-4")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if rows[2].Status != StatusInProgress || rows[2].AttemptCount != 1 {
		t.Fatalf("raw row rewritten by read: %+v", rows[2])
	}
}

func TestRecordResultReplayKeepsTimestamp(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-6")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}

	failed := SegmentResult{
		JobID: "job-6", SegmentIndex: 0, ChapterIndex: 0,
		Status: StatusFailed, ErrorMessage: "synth timeout", AttemptCount: 1,
	}
	s.clock = func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) }
	if err := s.RecordResult(ctx, failed); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	first, err := s.Results(ctx, "job-6")
	if err != nil {
		t.Fatalf("results: %v", err)
	}

	// A redelivered identical report must not touch the row.
	s.clock = func() time.Time { return time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC) }
	if err := s.RecordResult(ctx, failed); err != nil {
		t.Fatalf("replay failure: %v", err)
	}
	second, err := s.Results(ctx, "job-6")
	if err != nil {
		t.Fatalf("results after replay: %v", err)
	}
	if !second[0].UpdatedAt.Equal(first[0].UpdatedAt) {
		t.Fatalf("identical replay rewrote updated_at: %v -> %v", first[0].UpdatedAt, second[0].UpdatedAt)
	}

	// A genuinely new attempt still lands.
	failed.AttemptCount = 2
	if err := s.RecordResult(ctx, failed); err != nil {
		t.Fatalf("record second attempt: %v", err)
	}
	third, err := s.Results(ctx, "job-6")
	if err != nil {
		t.Fatalf("results after second attempt: %v", err)
	}
	if third[0].AttemptCount != 2 || !third[0].UpdatedAt.After(first[0].UpdatedAt) {
		t.Fatalf("changed result did not update row: %+v", third[0])
	}
}

func TestDeleteJobCascades(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	job, chapters, segments := sampleJob("job-5")
	if err := s.SaveJob(ctx, job, chapters, segments); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := s.DeleteJob(ctx, "job-5"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, err := s.LoadJob(ctx, "job-5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPruneKeepsActiveJobs(t *testing.T) {
	cfg := config.CheckpointConfig{Path: filepath.Join(t.TempDir(), "checkpoint.db"), RetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	oldDone, chapters, segments := sampleJob("old-done")
	if err := s.SaveJob(ctx, oldDone, chapters, segments); err != nil {
		t.Fatalf("save old job: %v", err)
	}
	if err := s.UpdateJobState(ctx, "old-done", JobCompleted); err != nil {
		t.Fatalf("complete old job: %v", err)
	}
	oldRunning, chapters, segments := sampleJob("old-running")
	if err := s.SaveJob(ctx, oldRunning, chapters, segments); err != nil {
		t.Fatalf("save running job: %v", err)
	}
	if err := s.UpdateJobState(ctx, "old-running", JobRunning); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) }
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.LoadJob(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal job survived prune: %v", err)
	}
	if _, err := s.LoadJob(ctx, "old-running"); err != nil {
		t.Fatalf("running job was pruned: %v", err)
	}
}
