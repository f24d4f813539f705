package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "narravox-runtime" {
		t.Fatalf("expected default runtime name, got %q", cfg.RuntimeName)
	}
	if cfg.Scheduler.MaxWorkers <= 0 {
		t.Fatalf("expected worker count derived from CPUs, got %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Output.ChaptersPerFile != 10 {
		t.Fatalf("expected default chapters per file 10, got %d", cfg.Output.ChaptersPerFile)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRAVOX_SCHEDULER_MAX_WORKERS", "6")
	t.Setenv("NARRAVOX_SCHEDULER_MAX_ATTEMPTS", "5")
	t.Setenv("NARRAVOX_SCHEDULER_ATTEMPT_TIMEOUT_MS", "9000")
	t.Setenv("NARRAVOX_SCHEDULER_MAX_QUEUE_SIZE", "10")
	t.Setenv("NARRAVOX_PREVIEW_CACHE_MAX_ENTRIES", "7")
	t.Setenv("NARRAVOX_PREVIEW_CACHE_MAX_AGE_MS", "60000")
	t.Setenv("NARRAVOX_SEGMENTER_SEGMENT_MAX_CHARS", "250")
	t.Setenv("NARRAVOX_SEGMENTER_CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("NARRAVOX_CHECKPOINT_PATH", "./tmp.db")
	t.Setenv("NARRAVOX_OUTPUT_DEFAULT_FORMAT", "m4b")
	t.Setenv("NARRAVOX_OUTPUT_MP3_BITRATE", "192")
	t.Setenv("NARRAVOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheduler.MaxWorkers != 6 {
		t.Fatalf("expected max workers override, got %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Scheduler.MaxAttempts != 5 {
		t.Fatalf("expected max attempts override, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Scheduler.AttemptTimeoutMS != 9000 {
		t.Fatalf("expected attempt timeout override, got %d", cfg.Scheduler.AttemptTimeoutMS)
	}
	if cfg.Scheduler.MaxQueueSize != 10 {
		t.Fatalf("expected queue size override, got %d", cfg.Scheduler.MaxQueueSize)
	}
	if cfg.PreviewCache.MaxEntries != 7 || cfg.PreviewCache.MaxAgeMS != 60000 {
		t.Fatalf("expected preview cache overrides, got %+v", cfg.PreviewCache)
	}
	if cfg.Segmenter.SegmentMaxChars != 250 {
		t.Fatalf("expected segment max chars override, got %d", cfg.Segmenter.SegmentMaxChars)
	}
	if cfg.Segmenter.ConfidenceThreshold != 0.8 {
		t.Fatalf("expected confidence threshold override, got %f", cfg.Segmenter.ConfidenceThreshold)
	}
	if cfg.Checkpoint.Path != "./tmp.db" {
		t.Fatalf("expected checkpoint path override, got %q", cfg.Checkpoint.Path)
	}
	if cfg.Output.DefaultFormat != "m4b" || cfg.Output.MP3Bitrate != 192 {
		t.Fatalf("expected output overrides, got %+v", cfg.Output)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("NARRAVOX_SYNTHESIS_MODE", "cloud")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown synthesis mode")
	}
}
