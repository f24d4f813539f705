package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/narravox/narravox-core/internal/assembler"
	"github.com/narravox/narravox-core/internal/audio"
	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/scheduler"
	"github.com/narravox/narravox-core/internal/segmenter"
	"github.com/narravox/narravox-core/internal/voice"
)

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", r.handleSubmit)
	mux.HandleFunc("GET /v1/jobs", r.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleJobStatus)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", r.handleCancel)
	mux.HandleFunc("GET /v1/jobs/{id}/results", r.handleResults)
	mux.HandleFunc("POST /v1/preview", r.handlePreview)
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
	mux.HandleFunc("GET /v1/voices/{name}", r.handleVoiceClip)
}

type voiceRequest struct {
	Voice          string    `json:"voice,omitempty"`
	ReferenceAudio string    `json:"reference_audio,omitempty"`
	Emotion        []float64 `json:"emotion,omitempty"`
	EmotionWeight  float64   `json:"emotion_weight,omitempty"`
	Speed          float64   `json:"speed,omitempty"`
}

type submitRequest struct {
	Title    string       `json:"title"`
	Language string       `json:"language,omitempty"`
	Text     string       `json:"text"`
	Voice    voiceRequest `json:"voice"`
}

type submitResponse struct {
	JobID    string         `json:"job_id"`
	Chapters []book.Chapter `json:"chapters"`
	Segments int            `json:"segments"`
}

type previewRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type previewResponse struct {
	Fingerprint book.Fingerprint `json:"fingerprint"`
	Cached      bool             `json:"cached"`
	Chapters    []book.Chapter   `json:"chapters"`
	Segments    int              `json:"segments"`
}

type resultsResponse struct {
	JobID    string                     `json:"job_id"`
	State    string                     `json:"state"`
	Segments []checkpoint.SegmentResult `json:"segments"`
	Outputs  []assembler.Output         `json:"outputs,omitempty"`
}

func (r *Runtime) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	voiceParams := r.resolveVoice(body.Voice)

	if body.Language == "" {
		body.Language = r.cfg.Segmenter.DefaultLanguage
	}
	doc := book.NewDocument(body.Text, body.Language)
	// A preceding preview of the same document is reused here.
	result, _, err := r.preview.GetOrCompute(doc.Fingerprint, func() (segmenter.Result, error) {
		return r.seg.Segment(doc.Text, doc.Language), nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "segmentation failed")
		return
	}
	if len(result.Segments) == 0 {
		writeError(w, http.StatusBadRequest, "document produced no narratable text")
		return
	}

	jobID, err := r.sched.Submit(req.Context(), scheduler.SubmitRequest{
		Title:       body.Title,
		Language:    doc.Language,
		Fingerprint: doc.Fingerprint,
		Chapters:    result.Chapters,
		Segments:    result.Segments,
		Voice:       voiceParams,
	})
	if err != nil {
		var capErr *scheduler.CapacityError
		if errors.As(err, &capErr) {
			writeError(w, http.StatusTooManyRequests, capErr.Error())
			return
		}
		r.logger.Error("submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:    jobID,
		Chapters: result.Chapters,
		Segments: len(result.Segments),
	})
}

// resolveVoice turns an API voice block into synthesis parameters,
// resolving library names to reference files when possible.
func (r *Runtime) resolveVoice(vr voiceRequest) book.VoiceParams {
	params := book.VoiceParams{
		Voice:          vr.Voice,
		ReferenceAudio: vr.ReferenceAudio,
		EmotionVector:  vr.Emotion,
		EmotionWeight:  vr.EmotionWeight,
		Speed:          vr.Speed,
	}
	if params.Voice == "" {
		params.Voice = r.cfg.Synthesis.DefaultVoice
	}
	if params.Voice != "" && params.ReferenceAudio == "" {
		sample, err := r.voices.Resolve(params.Voice)
		switch {
		case err == nil:
			params.ReferenceAudio = sample.Path
		case errors.Is(err, voice.ErrUnknownVoice):
			// Engines with built-in voices accept bare names.
		default:
			r.logger.Warn("voice lookup failed",
				slog.String("voice", params.Voice), slog.String("error", err.Error()))
		}
	}
	return params
}

func (r *Runtime) handleListJobs(w http.ResponseWriter, req *http.Request) {
	records, err := r.store.ListJobs(req.Context())
	if err != nil {
		r.logger.Error("list jobs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if records == nil {
		records = []checkpoint.JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Runtime) handleJobStatus(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")
	status, err := r.sched.Status(req.Context(), jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		r.logger.Error("status failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleCancel(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")
	if err := r.sched.Cancel(jobID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "cancelling"})
}

func (r *Runtime) handleResults(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")
	rec, err := r.store.LoadJob(req.Context(), jobID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		r.logger.Error("load results failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "results failed")
		return
	}
	segs, err := r.store.Results(req.Context(), jobID)
	if err != nil {
		r.logger.Error("load results failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "results failed")
		return
	}

	resp := resultsResponse{JobID: jobID, State: rec.State, Segments: segs}

	r.mu.Lock()
	resp.Outputs = r.outputs[jobID]
	r.mu.Unlock()

	// A caller can request a different container for a finished job.
	if formatParam := req.URL.Query().Get("format"); formatParam != "" {
		format, err := audio.ParseFormat(formatParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !isTerminal(rec.State) {
			writeError(w, http.StatusConflict, "job still running")
			return
		}
		st, err := r.store.LoadJobState(req.Context(), jobID)
		if err != nil {
			r.logger.Error("load finished job failed",
				slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "assembly failed")
			return
		}
		outputs, err := r.assembler.Assemble(req.Context(), st, format)
		if err != nil {
			r.logger.Error("assemble on demand failed",
				slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "assembly failed")
			return
		}
		resp.Outputs = outputs
	}

	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handlePreview(w http.ResponseWriter, req *http.Request) {
	var body previewRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if body.Language == "" {
		body.Language = r.cfg.Segmenter.DefaultLanguage
	}
	doc := book.NewDocument(body.Text, body.Language)
	result, cached, err := r.preview.GetOrCompute(doc.Fingerprint, func() (segmenter.Result, error) {
		return r.seg.Segment(doc.Text, doc.Language), nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "segmentation failed")
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{
		Fingerprint: doc.Fingerprint,
		Cached:      cached,
		Chapters:    result.Chapters,
		Segments:    len(result.Segments),
	})
}

func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	samples, err := r.voices.List()
	if err != nil {
		r.logger.Error("list voices failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if samples == nil {
		samples = []voice.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// handleVoiceClip streams one library sample as a WAV body so clients can
// audition a voice before submitting a job.
func (r *Runtime) handleVoiceClip(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	pcm, sampleRate, channels, err := r.voices.LoadPCM(name)
	if err != nil {
		if errors.Is(err, voice.ErrUnknownVoice) {
			writeError(w, http.StatusNotFound, "voice not found")
			return
		}
		r.logger.Error("load voice clip failed",
			slog.String("voice", name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "voice load failed")
		return
	}
	data, err := audio.WAVBytes(pcm, sampleRate, channels)
	if err != nil {
		r.logger.Error("encode voice clip failed",
			slog.String("voice", name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "voice encode failed")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func isTerminal(state string) bool {
	switch state {
	case checkpoint.JobCompleted, checkpoint.JobPartiallyFailed,
		checkpoint.JobCancelled:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
