// Package voice manages the library of reference voice samples used for
// cloned narration.
package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-audio/wav"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/narravox/narravox-core/internal/config"
)

// ErrUnknownVoice reports a lookup for a sample not present in the library.
var ErrUnknownVoice = errors.New("voice: unknown sample")

// Sample describes one reference recording.
type Sample struct {
	Name       string
	Path       string
	SampleRate int
	Channels   int
	DurationMS int64
}

type pcmClip struct {
	data       []byte
	sampleRate int
	channels   int
}

// Manager indexes the sample directory and caches decoded PCM so repeated
// clone requests do not re-decode the same file.
type Manager struct {
	cfg   config.VoiceConfig
	log   *slog.Logger
	cache *lru.LRU[string, pcmClip]
}

func NewManager(cfg config.VoiceConfig, log *slog.Logger) *Manager {
	ttl := time.Duration(cfg.CacheTTLMS) * time.Millisecond
	return &Manager{
		cfg:   cfg,
		log:   log.With(slog.String("component", "voice")),
		cache: lru.NewLRU[string, pcmClip](cfg.CacheEntries, nil, ttl),
	}
}

// List enumerates the usable samples in the configured directory, sorted by
// name. Files that fail validation are logged and skipped.
func (m *Manager) List() ([]Sample, error) {
	entries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read voice directory: %w", err)
	}

	var samples []Sample
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".wav") {
			continue
		}
		path := filepath.Join(m.cfg.Directory, entry.Name())
		sample, err := m.describe(path)
		if err != nil {
			m.log.Warn("skipping voice sample",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		samples = append(samples, sample)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}

// Resolve looks up one sample by name, validating it on the way.
func (m *Manager) Resolve(name string) (Sample, error) {
	path := filepath.Join(m.cfg.Directory, name+".wav")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Sample{}, fmt.Errorf("%w: %s", ErrUnknownVoice, name)
		}
		return Sample{}, err
	}
	return m.describe(path)
}

// LoadPCM returns the decoded 16-bit PCM for a sample, reading through the
// cache.
func (m *Manager) LoadPCM(name string) ([]byte, int, int, error) {
	if clip, ok := m.cache.Get(name); ok {
		return clip.data, clip.sampleRate, clip.channels, nil
	}

	sample, err := m.Resolve(name)
	if err != nil {
		return nil, 0, 0, err
	}
	clip, err := decodePCM(sample.Path)
	if err != nil {
		return nil, 0, 0, err
	}
	m.cache.Add(name, clip)
	return clip.data, clip.sampleRate, clip.channels, nil
}

func (m *Manager) describe(path string) (Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sample{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return Sample{}, fmt.Errorf("not a valid wav file: %s", path)
	}
	dur, err := dec.Duration()
	if err != nil {
		return Sample{}, fmt.Errorf("read duration: %w", err)
	}

	durMS := dur.Milliseconds()
	if m.cfg.MinDurationMS > 0 && durMS < int64(m.cfg.MinDurationMS) {
		return Sample{}, fmt.Errorf("sample too short: %dms", durMS)
	}
	if m.cfg.MaxDurationMS > 0 && durMS > int64(m.cfg.MaxDurationMS) {
		return Sample{}, fmt.Errorf("sample too long: %dms", durMS)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Sample{
		Name:       name,
		Path:       path,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		DurationMS: durMS,
	}, nil
}

func decodePCM(path string) (pcmClip, error) {
	f, err := os.Open(path)
	if err != nil {
		return pcmClip{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return pcmClip{}, fmt.Errorf("decode wav: %w", err)
	}

	data := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		v := int16(s)
		data[2*i] = byte(v)
		data[2*i+1] = byte(v >> 8)
	}
	return pcmClip{
		data:       data,
		sampleRate: buf.Format.SampleRate,
		channels:   buf.Format.NumChannels,
	}, nil
}
