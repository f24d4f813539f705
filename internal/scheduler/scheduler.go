// Package scheduler owns the synthesis worker pool and the lifecycle of
// every job from submission to a terminal state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/config"
	"github.com/narravox/narravox-core/internal/protocol"
	"github.com/narravox/narravox-core/internal/synth"
)

// Publisher pushes job events onto the bus. A nil publisher disables
// events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// CapacityError reports a submission the queue cannot absorb.
type CapacityError struct {
	Queued int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue full: %d segments queued, limit %d", e.Queued, e.Limit)
}

// SubmitRequest carries a segmented document into the scheduler.
type SubmitRequest struct {
	Title       string
	Language    string
	Fingerprint book.Fingerprint
	Chapters    []book.Chapter
	Segments    []book.Segment
	Voice       book.VoiceParams
}

// ChapterProgress is the per-chapter slice of a job's status.
type ChapterProgress struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	JobID      string            `json:"job_id"`
	State      string            `json:"state"`
	Title      string            `json:"title"`
	Language   string            `json:"language"`
	CreatedAt  time.Time         `json:"created_at"`
	Total      int               `json:"total"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Pending    int               `json:"pending"`
	InProgress int               `json:"in_progress"`
	Chapters   []ChapterProgress `json:"chapters"`
}

type segState struct {
	status     string
	attempts   int
	durationMS int64
	audioPath  string
	errMsg     string
	retry      *backoff.ExponentialBackOff
}

type job struct {
	record    checkpoint.JobRecord
	chapters  []book.Chapter
	segments  []book.Segment
	states    []*segState
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	done      int
}

type task struct {
	jobID   string
	seg     book.Segment
	attempt int
}

// Scheduler runs a fixed pool of synthesis workers over a bounded queue.
type Scheduler struct {
	cfg        config.SchedulerConfig
	store      *checkpoint.Store
	engine     synth.Synthesizer
	pub        Publisher
	log        *slog.Logger
	metrics    *schedulerMetrics
	segmentDir string

	// OnComplete, when set before Start, is invoked in its own goroutine
	// once a job finishes with output worth assembling.
	OnComplete func(jobID string)

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   map[string]*job
	queue  []task
	queued int
	closed bool

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg config.SchedulerConfig, segmentDir string, store *checkpoint.Store, engine synth.Synthesizer, pub Publisher, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		pub:        pub,
		log:        log.With(slog.String("component", "scheduler")),
		metrics:    newMetrics(),
		segmentDir: segmentDir,
		jobs:       make(map[string]*job),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancelAll = context.WithCancel(ctx)
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info("scheduler started", slog.Int("workers", s.cfg.MaxWorkers))
}

// Close stops accepting work and waits for running attempts to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.cancelAll != nil {
		s.cancelAll()
	}
	s.wg.Wait()
}

// Submit admits a segmented document as a new job. The whole job is
// admitted or rejected atomically against queue capacity.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Segments) == 0 {
		return "", fmt.Errorf("job has no segments")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("scheduler closed")
	}
	if s.queued+len(req.Segments) > s.cfg.MaxQueueSize {
		queued := s.queued
		s.mu.Unlock()
		return "", &CapacityError{Queued: queued, Limit: s.cfg.MaxQueueSize}
	}
	s.queued += len(req.Segments)
	s.mu.Unlock()

	jobID := uuid.NewString()
	segments := make([]book.Segment, len(req.Segments))
	for i, seg := range req.Segments {
		seg.JobID = jobID
		if seg.Voice.Voice == "" && seg.Voice.ReferenceAudio == "" {
			seg.Voice = req.Voice
		}
		segments[i] = seg
	}

	record := checkpoint.JobRecord{
		ID:           jobID,
		Fingerprint:  req.Fingerprint,
		Title:        req.Title,
		Language:     req.Language,
		State:        checkpoint.JobQueued,
		SegmentCount: len(segments),
	}
	if err := s.store.SaveJob(ctx, record, req.Chapters, segments); err != nil {
		s.mu.Lock()
		s.queued -= len(segments)
		s.mu.Unlock()
		return "", err
	}
	if err := s.store.UpdateJobState(ctx, jobID, checkpoint.JobRunning); err != nil {
		s.log.Warn("mark job running failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	record.State = checkpoint.JobRunning

	jctx, jcancel := context.WithCancel(s.ctx)
	j := &job{
		record:   record,
		chapters: req.Chapters,
		segments: segments,
		states:   make([]*segState, len(segments)),
		ctx:      jctx,
		cancel:   jcancel,
	}
	for i := range j.states {
		j.states[i] = &segState{status: checkpoint.StatusPending}
	}

	s.mu.Lock()
	s.jobs[jobID] = j
	for _, seg := range segments {
		s.queue = append(s.queue, task{jobID: jobID, seg: seg, attempt: 1})
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.metrics.jobsSubmitted.Add(ctx, 1)
	s.metrics.queueDepth.Add(ctx, int64(len(segments)))
	s.publish(protocol.SubjectJobState, protocol.JobStateChange{
		JobID: jobID, State: checkpoint.JobRunning, Timestamp: time.Now().UTC(),
	})
	s.log.Info("job submitted",
		slog.String("job_id", jobID),
		slog.Int("segments", len(segments)),
		slog.Int("chapters", len(req.Chapters)))
	return jobID, nil
}

// Cancel marks a job for cancellation. Queued segments are dropped as they
// surface; running attempts get the configured grace period before their
// context is cut.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return checkpoint.ErrNotFound
	}
	if j.cancelled || j.done == len(j.segments) {
		s.mu.Unlock()
		return nil
	}
	j.cancelled = true
	s.mu.Unlock()

	grace := time.Duration(s.cfg.CancelGraceMS) * time.Millisecond
	time.AfterFunc(grace, j.cancel)

	s.publish(protocol.SubjectJobState, protocol.JobStateChange{
		JobID: jobID, State: checkpoint.JobCancelled, Reason: "cancel requested",
		Timestamp: time.Now().UTC(),
	})
	s.log.Info("job cancelling", slog.String("job_id", jobID), slog.Duration("grace", grace))
	return nil
}

// Resume reloads unfinished jobs from the checkpoint store and re-queues
// their pending segments. Finished work is kept as-is.
func (s *Scheduler) Resume(ctx context.Context) error {
	records, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.State != checkpoint.JobQueued && record.State != checkpoint.JobRunning {
			continue
		}
		st, err := s.store.LoadJobState(ctx, record.ID)
		if err != nil {
			s.log.Warn("resume load failed", slog.String("job_id", record.ID), slog.String("error", err.Error()))
			continue
		}

		jctx, jcancel := context.WithCancel(s.ctx)
		j := &job{
			record:   st.Job,
			chapters: st.Chapters,
			segments: st.Segments,
			states:   make([]*segState, len(st.Segments)),
			ctx:      jctx,
			cancel:   jcancel,
		}
		var pending []task
		for i, r := range st.Results {
			state := &segState{
				status:     r.Status,
				attempts:   r.AttemptCount,
				durationMS: r.DurationMS,
				audioPath:  r.AudioPath,
				errMsg:     r.ErrorMessage,
			}
			j.states[i] = state
			switch r.Status {
			case checkpoint.StatusSucceeded, checkpoint.StatusFailed:
				j.done++
			case checkpoint.StatusPending:
				attempt := r.AttemptCount
				if attempt < 1 {
					attempt = 1
				}
				pending = append(pending, task{jobID: record.ID, seg: st.Segments[i], attempt: attempt})
			}
		}

		s.mu.Lock()
		s.jobs[record.ID] = j
		s.queued += len(pending)
		s.queue = append(s.queue, pending...)
		s.cond.Broadcast()
		s.mu.Unlock()

		s.metrics.queueDepth.Add(ctx, int64(len(pending)))
		s.log.Info("job resumed",
			slog.String("job_id", record.ID),
			slog.Int("pending", len(pending)),
			slog.Int("finished", j.done))

		if len(pending) == 0 {
			s.mu.Lock()
			s.finalizeLocked(j)
			s.mu.Unlock()
		}
	}
	return nil
}

// Status reports the current view of one job, falling back to the store
// for jobs that finished in an earlier run.
func (s *Scheduler) Status(ctx context.Context, jobID string) (JobStatus, error) {
	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		status := s.statusLocked(j)
		s.mu.Unlock()
		return status, nil
	}
	s.mu.Unlock()

	st, err := s.store.LoadJobState(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return statusFromState(st), nil
}

func (s *Scheduler) statusLocked(j *job) JobStatus {
	status := JobStatus{
		JobID:     j.record.ID,
		State:     j.record.State,
		Title:     j.record.Title,
		Language:  j.record.Language,
		CreatedAt: j.record.CreatedAt,
		Total:     len(j.segments),
	}
	perChapter := make(map[int]*ChapterProgress)
	for _, ch := range j.chapters {
		perChapter[ch.Index] = &ChapterProgress{Index: ch.Index, Title: ch.Title}
	}
	for i, st := range j.states {
		cp := perChapter[j.segments[i].ChapterIndex]
		if cp != nil {
			cp.Total++
		}
		switch st.status {
		case checkpoint.StatusSucceeded:
			status.Succeeded++
			if cp != nil {
				cp.Succeeded++
			}
		case checkpoint.StatusFailed:
			status.Failed++
			if cp != nil {
				cp.Failed++
			}
		case checkpoint.StatusInProgress:
			status.InProgress++
		default:
			status.Pending++
		}
	}
	for _, ch := range j.chapters {
		status.Chapters = append(status.Chapters, *perChapter[ch.Index])
	}
	return status
}

func statusFromState(st checkpoint.JobState) JobStatus {
	status := JobStatus{
		JobID:     st.Job.ID,
		State:     st.Job.State,
		Title:     st.Job.Title,
		Language:  st.Job.Language,
		CreatedAt: st.Job.CreatedAt,
		Total:     len(st.Segments),
	}
	perChapter := make(map[int]*ChapterProgress)
	for _, ch := range st.Chapters {
		perChapter[ch.Index] = &ChapterProgress{Index: ch.Index, Title: ch.Title}
	}
	for _, r := range st.Results {
		cp := perChapter[r.ChapterIndex]
		if cp != nil {
			cp.Total++
		}
		switch r.Status {
		case checkpoint.StatusSucceeded:
			status.Succeeded++
			if cp != nil {
				cp.Succeeded++
			}
		case checkpoint.StatusFailed:
			status.Failed++
			if cp != nil {
				cp.Failed++
			}
		case checkpoint.StatusInProgress:
			status.InProgress++
		default:
			status.Pending++
		}
	}
	for _, ch := range st.Chapters {
		status.Chapters = append(status.Chapters, *perChapter[ch.Index])
	}
	return status
}

// finalizeLocked settles a job whose segments are all terminal. Caller
// holds s.mu.
func (s *Scheduler) finalizeLocked(j *job) {
	if j.done != len(j.segments) {
		return
	}

	failed := 0
	for _, st := range j.states {
		if st.status == checkpoint.StatusFailed {
			failed++
		}
	}
	state := checkpoint.JobCompleted
	switch {
	case j.cancelled:
		state = checkpoint.JobCancelled
	case failed > 0:
		state = checkpoint.JobPartiallyFailed
	}
	j.record.State = state
	j.cancel()

	jobID := j.record.ID
	succeeded := len(j.segments) - failed
	onComplete := s.OnComplete
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.UpdateJobState(ctx, jobID, state); err != nil {
			s.log.Warn("persist final job state failed",
				slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		s.publish(protocol.SubjectJobState, protocol.JobStateChange{
			JobID: jobID, State: state, Timestamp: time.Now().UTC(),
		})
		s.log.Info("job finished",
			slog.String("job_id", jobID),
			slog.String("state", state),
			slog.Int("succeeded", succeeded),
			slog.Int("failed", failed))
		if onComplete != nil && succeeded > 0 && state != checkpoint.JobCancelled {
			onComplete(jobID)
		}
	}()
}

func (s *Scheduler) publish(subject string, v any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishJSON(subject, v); err != nil {
		s.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
