// Package assembler stitches finished segments into the final audiobook
// files.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/narravox/narravox-core/internal/audio"
	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/config"
)

// Output describes one produced file.
type Output struct {
	Path       string              `json:"path"`
	Format     audio.Format        `json:"format"`
	SizeBytes  int64               `json:"size_bytes"`
	DurationMS int64               `json:"duration_ms"`
	Chapters   []audio.ChapterMark `json:"chapters"`
}

type Assembler struct {
	cfg config.OutputConfig
	enc *audio.Encoder
	log *slog.Logger
}

func New(cfg config.OutputConfig, enc *audio.Encoder, log *slog.Logger) *Assembler {
	return &Assembler{
		cfg: cfg,
		enc: enc,
		log: log.With(slog.String("component", "assembler")),
	}
}

// Assemble renders a finished job into one or more container files,
// grouping chapters according to config. Failed segments are replaced by a
// fixed silence gap so chapter timing stays stable. Given the same job
// state it always produces the same bytes and file names.
func (a *Assembler) Assemble(ctx context.Context, st checkpoint.JobState, format audio.Format) ([]Output, error) {
	if format == "" {
		var err error
		format, err = audio.ParseFormat(a.cfg.DefaultFormat)
		if err != nil {
			return nil, err
		}
	}
	if len(st.Chapters) == 0 {
		return nil, fmt.Errorf("job %s has no chapters", st.Job.ID)
	}

	results := make(map[int]checkpoint.SegmentResult, len(st.Results))
	for _, r := range st.Results {
		results[r.SegmentIndex] = r
	}

	base := sanitizeBase(st.Job.Title)
	if base == "" {
		base = st.Job.ID
	}
	outDir := filepath.Join(a.cfg.Directory, st.Job.ID)

	perFile := a.cfg.ChaptersPerFile
	if perFile <= 0 {
		perFile = len(st.Chapters)
	}

	var outputs []Output
	for start := 0; start < len(st.Chapters); start += perFile {
		end := start + perFile
		if end > len(st.Chapters) {
			end = len(st.Chapters)
		}
		group := st.Chapters[start:end]

		var pcm []byte
		var marks []audio.ChapterMark
		for _, ch := range group {
			mark := audio.ChapterMark{Title: ch.Title, StartMS: a.enc.DurationMS(len(pcm))}
			for idx := ch.StartSegment; idx <= ch.EndSegment; idx++ {
				r, ok := results[idx]
				if ok && r.Status == checkpoint.StatusSucceeded {
					clip, err := os.ReadFile(r.AudioPath)
					if err != nil {
						a.log.Warn("segment audio unreadable, inserting gap",
							slog.String("job_id", st.Job.ID),
							slog.Int("segment", idx),
							slog.String("error", err.Error()))
						pcm = append(pcm, a.enc.Silence(a.cfg.GapMarkerMS)...)
						continue
					}
					pcm = append(pcm, clip...)
					continue
				}
				pcm = append(pcm, a.enc.Silence(a.cfg.GapMarkerMS)...)
			}
			mark.EndMS = a.enc.DurationMS(len(pcm))
			marks = append(marks, mark)
		}

		name := fmt.Sprintf("%s_%03d-%03d%s", base, group[0].Index+1, group[len(group)-1].Index+1, format.Ext())
		path := filepath.Join(outDir, name)
		meta := audio.Metadata{
			Title:    st.Job.Title,
			Album:    st.Job.Title,
			Artist:   "Narravox",
			Chapters: marks,
		}
		if err := a.enc.Encode(ctx, pcm, format, path, meta); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat output %s: %w", path, err)
		}

		outputs = append(outputs, Output{
			Path:       path,
			Format:     format,
			SizeBytes:  info.Size(),
			DurationMS: a.enc.DurationMS(len(pcm)),
			Chapters:   marks,
		})
		a.log.Info("output file written",
			slog.String("job_id", st.Job.ID),
			slog.String("path", path),
			slog.Int("chapters", len(group)))
	}
	return outputs, nil
}

// sanitizeBase strips characters that are unsafe in file names.
func sanitizeBase(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r == ' ' || r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r == 0:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
