package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CheckpointConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SegmenterConfig struct {
	DefaultLanguage     string  `yaml:"default_language"`
	SegmentMaxChars     int     `yaml:"segment_max_chars"`
	ConfidenceThreshold float64 `yaml:"chapter_confidence_threshold"`
	MinChapterDistance  int     `yaml:"min_chapter_distance"`
}

type PreviewCacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxAgeMS   int `yaml:"max_age_ms"`
}

type SchedulerConfig struct {
	MaxWorkers          int `yaml:"max_workers"`
	MaxAttempts         int `yaml:"max_attempts"`
	AttemptTimeoutMS    int `yaml:"attempt_timeout_ms"`
	MaxQueueSize        int `yaml:"max_queue_size"`
	CancelGraceMS       int `yaml:"cancel_grace_ms"`
	RetryInitialDelayMS int `yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int `yaml:"retry_max_delay_ms"`
}

type SynthesisConfig struct {
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	DefaultVoice string `yaml:"default_voice"`
}

type VoiceConfig struct {
	Directory     string `yaml:"directory"`
	CacheEntries  int    `yaml:"cache_entries"`
	CacheTTLMS    int    `yaml:"cache_ttl_ms"`
	MinDurationMS int    `yaml:"min_duration_ms"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
}

type OutputConfig struct {
	Directory       string `yaml:"directory"`
	SegmentDir      string `yaml:"segment_dir"`
	ChaptersPerFile int    `yaml:"chapters_per_file"`
	DefaultFormat   string `yaml:"default_format"`
	MP3Bitrate      int    `yaml:"mp3_bitrate"`
	GapMarkerMS     int    `yaml:"gap_marker_ms"`
	FFmpegCommand   string `yaml:"ffmpeg_command"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	PreviewCache PreviewCacheConfig `yaml:"preview_cache"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Voice        VoiceConfig        `yaml:"voice"`
	Output       OutputConfig       `yaml:"output"`
}

func Default() Config {
	return Config{
		RuntimeName: "narravox-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Checkpoint: CheckpointConfig{
			Path:          "./data/narravox-jobs.db",
			RetentionDays: 30,
		},
		Segmenter: SegmenterConfig{
			DefaultLanguage:     "en",
			SegmentMaxChars:     400,
			ConfidenceThreshold: 0.6,
			MinChapterDistance:  50,
		},
		PreviewCache: PreviewCacheConfig{
			MaxEntries: 50,
			MaxAgeMS:   24 * 60 * 60 * 1000,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:          0, // derived from CPU count when zero
			MaxAttempts:         3,
			AttemptTimeoutMS:    120000,
			MaxQueueSize:        2000,
			CancelGraceMS:       5000,
			RetryInitialDelayMS: 1000,
			RetryMaxDelayMS:     60000,
		},
		Synthesis: SynthesisConfig{
			Mode:         "mock",
			SampleRate:   22050,
			Channels:     1,
			DefaultVoice: "narrator",
		},
		Voice: VoiceConfig{
			Directory:     "./voices",
			CacheEntries:  16,
			CacheTTLMS:    30 * 60 * 1000,
			MinDurationMS: 1000,
			MaxDurationMS: 60000,
		},
		Output: OutputConfig{
			Directory:       "./outputs",
			SegmentDir:      "./data/segments",
			ChaptersPerFile: 10,
			DefaultFormat:   "mp3",
			MP3Bitrate:      128,
			GapMarkerMS:     500,
			FFmpegCommand:   "ffmpeg",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDerivedDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.Scheduler.MaxWorkers <= 0 {
		cfg.Scheduler.MaxWorkers = runtime.GOMAXPROCS(0)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRAVOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRAVOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRAVOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRAVOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRAVOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRAVOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRAVOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRAVOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRAVOX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRAVOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRAVOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRAVOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRAVOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRAVOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRAVOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRAVOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRAVOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Checkpoint.Path, "NARRAVOX_CHECKPOINT_PATH")
	overrideInt(&cfg.Checkpoint.RetentionDays, "NARRAVOX_CHECKPOINT_RETENTION_DAYS")
	overrideBool(&cfg.Checkpoint.VacuumOnStart, "NARRAVOX_CHECKPOINT_VACUUM_ON_START")
	overrideString(&cfg.Segmenter.DefaultLanguage, "NARRAVOX_SEGMENTER_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Segmenter.SegmentMaxChars, "NARRAVOX_SEGMENTER_SEGMENT_MAX_CHARS")
	overrideFloat(&cfg.Segmenter.ConfidenceThreshold, "NARRAVOX_SEGMENTER_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.Segmenter.MinChapterDistance, "NARRAVOX_SEGMENTER_MIN_CHAPTER_DISTANCE")
	overrideInt(&cfg.PreviewCache.MaxEntries, "NARRAVOX_PREVIEW_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.PreviewCache.MaxAgeMS, "NARRAVOX_PREVIEW_CACHE_MAX_AGE_MS")
	overrideInt(&cfg.Scheduler.MaxWorkers, "NARRAVOX_SCHEDULER_MAX_WORKERS")
	overrideInt(&cfg.Scheduler.MaxAttempts, "NARRAVOX_SCHEDULER_MAX_ATTEMPTS")
	overrideInt(&cfg.Scheduler.AttemptTimeoutMS, "NARRAVOX_SCHEDULER_ATTEMPT_TIMEOUT_MS")
	overrideInt(&cfg.Scheduler.MaxQueueSize, "NARRAVOX_SCHEDULER_MAX_QUEUE_SIZE")
	overrideInt(&cfg.Scheduler.CancelGraceMS, "NARRAVOX_SCHEDULER_CANCEL_GRACE_MS")
	overrideInt(&cfg.Scheduler.RetryInitialDelayMS, "NARRAVOX_SCHEDULER_RETRY_INITIAL_DELAY_MS")
	overrideInt(&cfg.Scheduler.RetryMaxDelayMS, "NARRAVOX_SCHEDULER_RETRY_MAX_DELAY_MS")
	overrideString(&cfg.Synthesis.Mode, "NARRAVOX_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "NARRAVOX_SYNTHESIS_COMMAND")
	overrideInt(&cfg.Synthesis.SampleRate, "NARRAVOX_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "NARRAVOX_SYNTHESIS_CHANNELS")
	overrideString(&cfg.Synthesis.DefaultVoice, "NARRAVOX_SYNTHESIS_DEFAULT_VOICE")
	overrideString(&cfg.Voice.Directory, "NARRAVOX_VOICE_DIRECTORY")
	overrideInt(&cfg.Voice.CacheEntries, "NARRAVOX_VOICE_CACHE_ENTRIES")
	overrideInt(&cfg.Voice.CacheTTLMS, "NARRAVOX_VOICE_CACHE_TTL_MS")
	overrideString(&cfg.Output.Directory, "NARRAVOX_OUTPUT_DIRECTORY")
	overrideString(&cfg.Output.SegmentDir, "NARRAVOX_OUTPUT_SEGMENT_DIR")
	overrideInt(&cfg.Output.ChaptersPerFile, "NARRAVOX_OUTPUT_CHAPTERS_PER_FILE")
	overrideString(&cfg.Output.DefaultFormat, "NARRAVOX_OUTPUT_DEFAULT_FORMAT")
	overrideInt(&cfg.Output.MP3Bitrate, "NARRAVOX_OUTPUT_MP3_BITRATE")
	overrideInt(&cfg.Output.GapMarkerMS, "NARRAVOX_OUTPUT_GAP_MARKER_MS")
	overrideString(&cfg.Output.FFmpegCommand, "NARRAVOX_OUTPUT_FFMPEG_COMMAND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Checkpoint.Path == "" {
		return errors.New("checkpoint.path must not be empty")
	}
	if cfg.Checkpoint.RetentionDays < 0 {
		return errors.New("checkpoint.retention_days must be >= 0")
	}
	if cfg.Segmenter.SegmentMaxChars <= 0 {
		return errors.New("segmenter.segment_max_chars must be positive")
	}
	if cfg.Segmenter.ConfidenceThreshold < 0 || cfg.Segmenter.ConfidenceThreshold > 1 {
		return errors.New("segmenter.chapter_confidence_threshold must be in [0,1]")
	}
	if cfg.PreviewCache.MaxEntries <= 0 {
		return errors.New("preview_cache.max_entries must be >= 1")
	}
	if cfg.PreviewCache.MaxAgeMS <= 0 {
		return errors.New("preview_cache.max_age_ms must be positive")
	}
	if cfg.Scheduler.MaxWorkers <= 0 {
		return errors.New("scheduler.max_workers must be >= 1")
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		return errors.New("scheduler.max_attempts must be >= 1")
	}
	if cfg.Scheduler.AttemptTimeoutMS <= 0 {
		return errors.New("scheduler.attempt_timeout_ms must be positive")
	}
	if cfg.Scheduler.MaxQueueSize <= 0 {
		return errors.New("scheduler.max_queue_size must be >= 1")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Output.Directory == "" {
		return errors.New("output.directory must not be empty")
	}
	if cfg.Output.SegmentDir == "" {
		return errors.New("output.segment_dir must not be empty")
	}
	if cfg.Output.ChaptersPerFile <= 0 {
		return errors.New("output.chapters_per_file must be >= 1")
	}
	switch cfg.Output.DefaultFormat {
	case "wav", "mp3", "m4b":
	default:
		return errors.New("output.default_format must be one of wav|mp3|m4b")
	}
	if cfg.Output.MP3Bitrate <= 0 {
		return errors.New("output.mp3_bitrate must be positive")
	}
	return nil
}
