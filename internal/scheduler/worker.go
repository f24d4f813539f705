package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/protocol"
	"github.com/narravox/narravox-core/internal/synth"
)

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.With(slog.Int("worker", id))
	for {
		t, ok := s.nextTask()
		if !ok {
			return
		}
		s.runTask(log, t)
	}
}

// nextTask blocks until work is available or the scheduler closes.
func (s *Scheduler) nextTask() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return task{}, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true
}

func (s *Scheduler) runTask(log *slog.Logger, t task) {
	s.mu.Lock()
	j, ok := s.jobs[t.jobID]
	if !ok {
		s.queued--
		s.mu.Unlock()
		return
	}
	if j.cancelled {
		s.mu.Unlock()
		s.finishSegment(j, t, checkpoint.StatusFailed, 0, "", "job cancelled")
		return
	}
	st := j.states[t.seg.Index]
	st.status = checkpoint.StatusInProgress
	st.attempts = t.attempt
	jctx := j.ctx
	s.mu.Unlock()

	if err := s.store.RecordResult(context.Background(), checkpoint.SegmentResult{
		JobID: t.jobID, SegmentIndex: t.seg.Index, ChapterIndex: t.seg.ChapterIndex,
		Status: checkpoint.StatusInProgress, AttemptCount: t.attempt,
	}); err != nil {
		log.Warn("record attempt start failed",
			slog.String("job_id", t.jobID),
			slog.Int("segment", t.seg.Index),
			slog.String("error", err.Error()))
	}

	timeout := time.Duration(s.cfg.AttemptTimeoutMS) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(jctx, timeout)
	s.metrics.workersBusy.Add(context.Background(), 1)
	start := time.Now()
	res, err := s.engine.Synthesize(attemptCtx, synth.Request{
		JobID:        t.jobID,
		SegmentIndex: t.seg.Index,
		Text:         t.seg.Text,
		Voice:        t.seg.Voice,
	})
	cancel()
	s.metrics.attemptDuration.Record(context.Background(), time.Since(start).Seconds())
	s.metrics.workersBusy.Add(context.Background(), -1)

	if err == nil {
		path, werr := s.writeSegment(t, res.PCM)
		if werr == nil {
			// A segment only counts as succeeded once the checkpoint row is
			// durable. A failed write fails the attempt instead.
			werr = s.persistResult(t, checkpoint.StatusSucceeded, res.DurationMS, path, "")
		}
		if werr != nil {
			err = synth.Transient(werr)
		} else {
			s.settleSegment(j, t, checkpoint.StatusSucceeded, res.DurationMS, path, "")
			return
		}
	}

	s.handleFailure(log, j, t, err)
}

func (s *Scheduler) handleFailure(log *slog.Logger, j *job, t task, err error) {
	s.mu.Lock()
	cancelled := j.cancelled
	closing := s.closed
	s.mu.Unlock()

	// A scheduler shutdown aborts the attempt without judging the segment:
	// its in_progress row folds back to pending on the next start, with the
	// retry budget intact.
	if !cancelled && (closing || s.ctx.Err() != nil) {
		log.Info("attempt abandoned by shutdown",
			slog.String("job_id", t.jobID),
			slog.Int("segment", t.seg.Index))
		return
	}

	if cancelled || !synth.IsTransient(err) || t.attempt >= s.cfg.MaxAttempts {
		s.finishSegment(j, t, checkpoint.StatusFailed, 0, "", err.Error())
		return
	}

	s.mu.Lock()
	st := j.states[t.seg.Index]
	st.status = checkpoint.StatusPending
	if st.retry == nil {
		st.retry = backoff.NewExponentialBackOff()
		st.retry.InitialInterval = time.Duration(s.cfg.RetryInitialDelayMS) * time.Millisecond
		st.retry.MaxInterval = time.Duration(s.cfg.RetryMaxDelayMS) * time.Millisecond
	}
	delay := st.retry.NextBackOff()
	s.mu.Unlock()

	s.metrics.retries.Add(context.Background(), 1)
	log.Warn("segment attempt failed, retrying",
		slog.String("job_id", t.jobID),
		slog.Int("segment", t.seg.Index),
		slog.Int("attempt", t.attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))

	next := task{jobID: t.jobID, seg: t.seg, attempt: t.attempt + 1}
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.queue = append(s.queue, next)
		s.cond.Broadcast()
	})
}

func (s *Scheduler) persistResult(t task, status string, durationMS int64, audioPath, errMsg string) error {
	return s.store.RecordResult(context.Background(), checkpoint.SegmentResult{
		JobID:        t.jobID,
		SegmentIndex: t.seg.Index,
		ChapterIndex: t.seg.ChapterIndex,
		Status:       status,
		AudioPath:    audioPath,
		DurationMS:   durationMS,
		AttemptCount: t.attempt,
		ErrorMessage: errMsg,
	})
}

// finishSegment records a terminal state for one segment and settles the
// job if it was the last one. Failure rows are best effort; the succeeded
// path persists before calling settleSegment directly.
func (s *Scheduler) finishSegment(j *job, t task, status string, durationMS int64, audioPath, errMsg string) {
	if err := s.persistResult(t, status, durationMS, audioPath, errMsg); err != nil {
		s.log.Warn("record segment result failed",
			slog.String("job_id", t.jobID),
			slog.Int("segment", t.seg.Index),
			slog.String("error", err.Error()))
	}
	s.settleSegment(j, t, status, durationMS, audioPath, errMsg)
}

func (s *Scheduler) settleSegment(j *job, t task, status string, durationMS int64, audioPath, errMsg string) {
	s.mu.Lock()
	st := j.states[t.seg.Index]
	st.status = status
	st.durationMS = durationMS
	st.audioPath = audioPath
	st.errMsg = errMsg
	j.done++
	s.queued--
	progress := s.progressLocked(j)
	s.finalizeLocked(j)
	s.mu.Unlock()

	s.metrics.queueDepth.Add(context.Background(), -1)
	s.metrics.segmentDone(status)
	s.publish(protocol.SubjectJobSegment, protocol.SegmentUpdate{
		JobID:        t.jobID,
		SegmentIndex: t.seg.Index,
		ChapterIndex: t.seg.ChapterIndex,
		Status:       status,
		Attempt:      t.attempt,
		DurationMS:   durationMS,
		Error:        errMsg,
		Timestamp:    time.Now().UTC(),
	})
	s.publish(protocol.SubjectJobProgress, progress)
}

func (s *Scheduler) progressLocked(j *job) protocol.JobProgress {
	p := protocol.JobProgress{
		JobID:     j.record.ID,
		Total:     len(j.segments),
		Timestamp: time.Now().UTC(),
	}
	for _, st := range j.states {
		switch st.status {
		case checkpoint.StatusSucceeded:
			p.Succeeded++
		case checkpoint.StatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	return p
}

// writeSegment persists one clip as raw PCM next to the checkpoint data.
func (s *Scheduler) writeSegment(t task, pcm []byte) (string, error) {
	dir := filepath.Join(s.segmentDir, t.jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d.pcm", t.seg.Index))
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		return "", fmt.Errorf("write segment audio: %w", err)
	}
	return path, nil
}
