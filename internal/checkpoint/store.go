// Package checkpoint persists job and segment progress so an interrupted
// synthesis run can resume without redoing finished work.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/config"
	_ "modernc.org/sqlite"
)

// Segment lifecycle states. Succeeded and failed are terminal for a single
// attempt; failed segments may be retried, which moves them back to pending.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Job lifecycle states.
const (
	JobQueued          = "queued"
	JobRunning         = "running"
	JobCompleted       = "completed"
	JobPartiallyFailed = "partially_failed"
	JobCancelled       = "cancelled"
)

// PersistenceError wraps a storage failure so callers can distinguish it
// from synthesis failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// JobRecord is the persisted form of a synthesis job.
type JobRecord struct {
	ID           string
	Fingerprint  book.Fingerprint
	Title        string
	Language     string
	State        string
	SegmentCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SegmentResult is one segment's progress row.
type SegmentResult struct {
	JobID        string
	SegmentIndex int
	ChapterIndex int
	Status       string
	AudioPath    string
	DurationMS   int64
	AttemptCount int
	ErrorMessage string
	UpdatedAt    time.Time
}

// JobState is everything needed to rebuild a job in memory.
type JobState struct {
	Job      JobRecord
	Chapters []book.Chapter
	Segments []book.Segment
	Results  []SegmentResult
}

// Store wraps the SQLite-backed checkpoint database.
type Store struct {
	db    *sql.DB
	cfg   config.CheckpointConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the checkpoint store according to config.
func Open(ctx context.Context, cfg config.CheckpointConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "checkpoint")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("checkpoint vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("checkpoint prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    title TEXT,
    language TEXT,
    state TEXT NOT NULL,
    segment_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chapters (
    job_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    title TEXT,
    start_segment INTEGER NOT NULL,
    end_segment INTEGER NOT NULL,
    confidence REAL NOT NULL,
    synthetic INTEGER NOT NULL,
    unconfirmed INTEGER NOT NULL,
    PRIMARY KEY(job_id, idx),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS segments (
    job_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    chapter_idx INTEGER NOT NULL,
    text TEXT NOT NULL,
    forced_cut INTEGER NOT NULL,
    voice BLOB,
    PRIMARY KEY(job_id, idx),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS segment_results (
    job_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    chapter_idx INTEGER NOT NULL,
    status TEXT NOT NULL,
    audio_path TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(job_id, idx),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_results_job_status ON segment_results(job_id, status);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return storeErr("init schema", err)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveJob persists a new job with its chapters, segments and pending result
// rows in one transaction.
func (s *Store) SaveJob(ctx context.Context, job JobRecord, chapters []book.Chapter, segments []book.Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("save job", err)
	}
	defer tx.Rollback()

	now := s.clock().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, fingerprint, title, language, state, segment_count, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Fingerprint), job.Title, job.Language, job.State, job.SegmentCount,
		job.CreatedAt, now)
	if err != nil {
		return storeErr("save job", err)
	}

	for _, ch := range chapters {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chapters(job_id, idx, title, start_segment, end_segment, confidence, synthetic, unconfirmed)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, ch.Index, ch.Title, ch.StartSegment, ch.EndSegment, ch.Confidence,
			boolInt(ch.Synthetic), boolInt(ch.Unconfirmed))
		if err != nil {
			return storeErr("save chapter", err)
		}
	}

	for _, seg := range segments {
		voice, err := json.Marshal(seg.Voice)
		if err != nil {
			return storeErr("encode voice", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO segments(job_id, idx, chapter_idx, text, forced_cut, voice)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			job.ID, seg.Index, seg.ChapterIndex, seg.Text, boolInt(seg.ForcedCut), voice)
		if err != nil {
			return storeErr("save segment", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO segment_results(job_id, idx, chapter_idx, status, updated_at)
			 VALUES(?, ?, ?, ?, ?)`,
			job.ID, seg.Index, seg.ChapterIndex, StatusPending, now)
		if err != nil {
			return storeErr("save segment result", err)
		}
	}

	return storeErr("save job", tx.Commit())
}

// UpdateJobState transitions the job record.
func (s *Store) UpdateJobState(ctx context.Context, jobID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE job_id = ?`,
		state, s.clock().UTC(), jobID)
	return storeErr("update job state", err)
}

// RecordResult upserts one segment's progress. A segment that already
// succeeded is never downgraded, and replaying an identical result leaves
// the row byte-for-byte untouched, timestamp included.
func (s *Store) RecordResult(ctx context.Context, r SegmentResult) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segment_results(job_id, idx, chapter_idx, status, audio_path, duration_ms, attempt_count, error_message, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, idx) DO UPDATE SET
		     status = excluded.status,
		     audio_path = excluded.audio_path,
		     duration_ms = excluded.duration_ms,
		     attempt_count = excluded.attempt_count,
		     error_message = excluded.error_message,
		     updated_at = excluded.updated_at
		 WHERE segment_results.status != ?
		   AND (segment_results.status IS NOT excluded.status
		     OR segment_results.audio_path IS NOT excluded.audio_path
		     OR segment_results.duration_ms IS NOT excluded.duration_ms
		     OR segment_results.attempt_count IS NOT excluded.attempt_count
		     OR segment_results.error_message IS NOT excluded.error_message)`,
		r.JobID, r.SegmentIndex, r.ChapterIndex, r.Status, r.AudioPath, r.DurationMS,
		r.AttemptCount, r.ErrorMessage, r.UpdatedAt, StatusSucceeded)
	return storeErr("record result", err)
}

// ErrNotFound reports a lookup for a job the store does not hold.
var ErrNotFound = errors.New("checkpoint: job not found")

// LoadJob retrieves one job record.
func (s *Store) LoadJob(ctx context.Context, jobID string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, fingerprint, title, language, state, segment_count, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return job, storeErr("load job", err)
}

// ListJobs returns all job records ordered by creation time.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, fingerprint, title, language, state, segment_count, created_at, updated_at
		 FROM jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("list jobs", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, storeErr("list jobs", rows.Err())
}

// LoadJobState rebuilds a job for resumption. Segments that were in progress
// when the process died are folded back to pending with their attempt count
// bumped, since the attempt's outcome is unknown.
func (s *Store) LoadJobState(ctx context.Context, jobID string) (JobState, error) {
	var st JobState

	job, err := s.LoadJob(ctx, jobID)
	if err != nil {
		return st, err
	}
	st.Job = job

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, title, start_segment, end_segment, confidence, synthetic, unconfirmed
		 FROM chapters WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return st, storeErr("load chapters", err)
	}
	for rows.Next() {
		var ch book.Chapter
		var synthetic, unconfirmed int
		if err := rows.Scan(&ch.Index, &ch.Title, &ch.StartSegment, &ch.EndSegment, &ch.Confidence, &synthetic, &unconfirmed); err != nil {
			rows.Close()
			return st, storeErr("load chapters", err)
		}
		ch.Synthetic = synthetic != 0
		ch.Unconfirmed = unconfirmed != 0
		st.Chapters = append(st.Chapters, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, storeErr("load chapters", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT idx, chapter_idx, text, forced_cut, voice
		 FROM segments WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return st, storeErr("load segments", err)
	}
	for rows.Next() {
		seg := book.Segment{JobID: jobID}
		var forced int
		var voice []byte
		if err := rows.Scan(&seg.Index, &seg.ChapterIndex, &seg.Text, &forced, &voice); err != nil {
			rows.Close()
			return st, storeErr("load segments", err)
		}
		seg.ForcedCut = forced != 0
		if len(voice) > 0 {
			if err := json.Unmarshal(voice, &seg.Voice); err != nil {
				rows.Close()
				return st, storeErr("decode voice", err)
			}
		}
		st.Segments = append(st.Segments, seg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, storeErr("load segments", err)
	}

	results, err := s.Results(ctx, jobID)
	if err != nil {
		return st, err
	}
	for i := range results {
		if results[i].Status == StatusInProgress {
			results[i].Status = StatusPending
			results[i].AttemptCount++
		}
	}
	st.Results = results
	return st, nil
}

// Results returns the segment result rows for one job ordered by index,
// exactly as stored. In-progress rows stay in-progress here; only the
// resume path in LoadJobState folds them back to pending.
func (s *Store) Results(ctx context.Context, jobID string) ([]SegmentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, chapter_idx, status, audio_path, duration_ms, attempt_count, error_message, updated_at
		 FROM segment_results WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, storeErr("load results", err)
	}
	defer rows.Close()

	var results []SegmentResult
	for rows.Next() {
		r := SegmentResult{JobID: jobID}
		var audioPath, errMsg sql.NullString
		var updated string
		if err := rows.Scan(&r.SegmentIndex, &r.ChapterIndex, &r.Status, &audioPath, &r.DurationMS, &r.AttemptCount, &errMsg, &updated); err != nil {
			return nil, storeErr("load results", err)
		}
		r.AudioPath = audioPath.String
		r.ErrorMessage = errMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			r.UpdatedAt = ts
		}
		results = append(results, r)
	}
	return results, storeErr("load results", rows.Err())
}

// DeleteJob removes a job and, via foreign keys, all of its rows.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	return storeErr("delete job", err)
}

// Prune removes terminal jobs older than the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE updated_at < ? AND state IN (?, ?, ?)`,
		cutoff.UTC(), JobCompleted, JobPartiallyFailed, JobCancelled)
	return storeErr("prune", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var job JobRecord
	var fp string
	var created, updated string
	err := row.Scan(&job.ID, &fp, &job.Title, &job.Language, &job.State, &job.SegmentCount, &created, &updated)
	if err != nil {
		return job, err
	}
	job.Fingerprint = book.Fingerprint(fp)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = ts
	}
	return job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
