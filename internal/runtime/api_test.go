package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/narravox/narravox-core/internal/assembler"
	"github.com/narravox/narravox-core/internal/audio"
	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/config"
	"github.com/narravox/narravox-core/internal/previewcache"
	"github.com/narravox/narravox-core/internal/scheduler"
	"github.com/narravox/narravox-core/internal/segmenter"
	"github.com/narravox/narravox-core/internal/synth"
	"github.com/narravox/narravox-core/internal/voice"
)

const apiBook = `Chapter 1 The Door

The handle turned without a sound. She stepped into the dark hallway.

Chapter 2 The Stairs

Each step creaked louder than the last. At the top a light flickered.
`

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoint.db")
	cfg.Output.Directory = filepath.Join(dir, "out")
	cfg.Output.SegmentDir = filepath.Join(dir, "segments")
	// wav assembles natively; compressed formats would shell out to ffmpeg.
	cfg.Output.DefaultFormat = "wav"
	cfg.Voice.Directory = filepath.Join(dir, "voices")
	cfg.Scheduler.MaxWorkers = 2
	cfg.Scheduler.RetryInitialDelayMS = 1
	cfg.Scheduler.RetryMaxDelayMS = 5

	store, err := checkpoint.Open(context.Background(), cfg.Checkpoint, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := synth.New(cfg.Synthesis)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	encoder, err := audio.NewEncoder(cfg.Synthesis.SampleRate, cfg.Synthesis.Channels, cfg.Output.MP3Bitrate, cfg.Output.FFmpegCommand)
	if err != nil {
		t.Fatalf("build encoder: %v", err)
	}

	rt := New(cfg, logger)
	rt.store = store
	rt.seg = segmenter.New(cfg.Segmenter, logger)
	rt.preview = previewcache.New(cfg.PreviewCache, logger)
	rt.voices = voice.NewManager(cfg.Voice, logger)
	rt.assembler = assembler.New(cfg.Output, encoder, logger)
	rt.sched = scheduler.New(cfg.Scheduler, cfg.Output.SegmentDir, store, engine, nil, logger)
	rt.sched.OnComplete = rt.assembleJob
	rt.sched.Start(context.Background())
	t.Cleanup(rt.sched.Close)

	mux := http.NewServeMux()
	rt.registerAPI(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return rt, srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestSubmitStatusResultsFlow(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp, data := postJSON(t, srv.URL+"/v1/jobs",
		`{"title":"The Door","language":"en","text":`+encodeJSONString(apiBook)+`}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", resp.StatusCode, data)
	}
	var sub submitResponse
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if sub.JobID == "" || len(sub.Chapters) != 2 {
		t.Fatalf("unexpected submit response: %s", data)
	}

	var status scheduler.JobStatus
	deadline := time.Now().Add(10 * time.Second)
	for {
		getJSON(t, srv.URL+"/v1/jobs/"+sub.JobID, &status)
		if status.State == checkpoint.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %+v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status.Succeeded != status.Total || status.Total != sub.Segments {
		t.Fatalf("unexpected final status: %+v", status)
	}

	// Assembly runs asynchronously after completion.
	var results resultsResponse
	deadline = time.Now().Add(10 * time.Second)
	for {
		getJSON(t, srv.URL+"/v1/jobs/"+sub.JobID+"/results", &results)
		if len(results.Outputs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outputs never appeared: %+v", results)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if results.State != checkpoint.JobCompleted || len(results.Segments) != sub.Segments {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results.Outputs[0].Format != audio.FormatWAV {
		t.Fatalf("expected wav output: %+v", results.Outputs[0])
	}
}

func TestPreviewCachesByFingerprint(t *testing.T) {
	_, srv := newTestRuntime(t)
	body := `{"language":"en","text":` + encodeJSONString(apiBook) + `}`

	resp, data := postJSON(t, srv.URL+"/v1/preview", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", resp.StatusCode, data)
	}
	var first previewResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if first.Cached || len(first.Chapters) != 2 {
		t.Fatalf("unexpected first preview: %+v", first)
	}

	_, data = postJSON(t, srv.URL+"/v1/preview", body)
	var second previewResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode second preview: %v", err)
	}
	if !second.Cached || second.Fingerprint != first.Fingerprint {
		t.Fatalf("second preview not served from cache: %+v", second)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp, _ := postJSON(t, srv.URL+"/v1/jobs", `{"title":"Empty","text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text accepted: %d", resp.StatusCode)
	}

	if resp := getJSON(t, srv.URL+"/v1/jobs/no-such-job", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status %d", resp.StatusCode)
	}
	if resp, _ := postJSON(t, srv.URL+"/v1/jobs/no-such-job/cancel", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job cancel status %d", resp.StatusCode)
	}

	var voices []voice.Sample
	if resp := getJSON(t, srv.URL+"/v1/voices", &voices); resp.StatusCode != http.StatusOK {
		t.Fatalf("voices status %d", resp.StatusCode)
	}
	if len(voices) != 0 {
		t.Fatalf("expected empty voice library, got %+v", voices)
	}
}

func writeVoiceSample(t *testing.T, dir, name string, sampleRate, numSamples int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create voice dir: %v", err)
	}
	f, err := os.Create(filepath.Join(dir, name+".wav"))
	if err != nil {
		t.Fatalf("create sample: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, numSamples),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = (i%64 - 32) * 256
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close sample: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func TestVoiceClipServedFromLibrary(t *testing.T) {
	rt, srv := newTestRuntime(t)
	// 1.5 seconds at 22050Hz clears the minimum sample duration.
	writeVoiceSample(t, rt.cfg.Voice.Directory, "narrator", 22050, 33075)

	resp, err := http.Get(srv.URL + "/v1/voices/narrator")
	if err != nil {
		t.Fatalf("get clip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clip status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	if len(data) < 44 || string(data[:4]) != "RIFF" {
		t.Fatalf("body is not a wav file: %d bytes", len(data))
	}

	if resp := getJSON(t, srv.URL+"/v1/voices/no-such-voice", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown voice status %d", resp.StatusCode)
	}
}

func TestQueueFullReturns429(t *testing.T) {
	rt, srv := newTestRuntime(t)
	rt.cfg.Scheduler.MaxQueueSize = 1
	// The scheduler was built from the same config value, so rebuild it
	// with the tight limit.
	rt.sched.Close()
	engine, _ := synth.New(rt.cfg.Synthesis)
	cfg := rt.cfg.Scheduler
	cfg.MaxQueueSize = 1
	rt.sched = scheduler.New(cfg, rt.cfg.Output.SegmentDir, rt.store, engine, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	rt.sched.Start(context.Background())
	t.Cleanup(rt.sched.Close)

	resp, data := postJSON(t, srv.URL+"/v1/jobs",
		`{"title":"Too Big","language":"en","text":`+encodeJSONString(apiBook)+`}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, data)
	}
}

func encodeJSONString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
