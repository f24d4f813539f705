// Package protocol defines the event payloads published on the bus while a
// job moves through the pipeline.
package protocol

import "time"

// JobStateChange announces a job lifecycle transition.
type JobStateChange struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// SegmentUpdate reports one segment attempt finishing.
type SegmentUpdate struct {
	JobID        string    `json:"job_id"`
	SegmentIndex int       `json:"segment_index"`
	ChapterIndex int       `json:"chapter_index"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobProgress is a periodic rollup of segment counts per job.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectJobState    = "job.state"
	SubjectJobSegment  = "job.segment"
	SubjectJobProgress = "job.progress"
)
