package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ffmpegRunner shells out to ffmpeg for compressed containers.
type ffmpegRunner struct {
	cmd []string
}

func newFFmpegRunner(command string) (*ffmpegRunner, error) {
	if command == "" {
		command = "ffmpeg"
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	return &ffmpegRunner{cmd: args}, nil
}

func (r *ffmpegRunner) convert(ctx context.Context, wavPath, outPath string, format Format, mp3Bitrate int, meta Metadata) error {
	metaPath, err := writeMetadataFile(meta)
	if err != nil {
		return err
	}
	defer os.Remove(metaPath)

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "-y", "-i", wavPath, "-i", metaPath)
	coverInput := -1
	if format == FormatM4B && meta.CoverPath != "" {
		args = append(args, "-i", meta.CoverPath)
		coverInput = 2
	}
	args = append(args, "-map_metadata", "1", "-map", "0:a")

	switch format {
	case FormatMP3:
		args = append(args, "-codec:a", "libmp3lame", "-b:a", strconv.Itoa(mp3Bitrate)+"k")
	case FormatM4B:
		args = append(args, "-codec:a", "aac")
		if coverInput >= 0 {
			args = append(args,
				"-map", strconv.Itoa(coverInput)+":v",
				"-codec:v", "copy",
				"-disposition:v", "attached_pic")
		}
		args = append(args, "-f", "mp4")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, r.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// writeMetadataFile renders ffmpeg's FFMETADATA format with chapter marks
// on a millisecond timebase.
func writeMetadataFile(meta Metadata) (string, error) {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	if meta.Title != "" {
		fmt.Fprintf(&b, "title=%s\n", escapeMetadata(meta.Title))
	}
	if meta.Artist != "" {
		fmt.Fprintf(&b, "artist=%s\n", escapeMetadata(meta.Artist))
	}
	if meta.Album != "" {
		fmt.Fprintf(&b, "album=%s\n", escapeMetadata(meta.Album))
	}
	for _, ch := range meta.Chapters {
		b.WriteString("[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", ch.StartMS)
		fmt.Fprintf(&b, "END=%d\n", ch.EndMS)
		fmt.Fprintf(&b, "title=%s\n", escapeMetadata(ch.Title))
	}

	f, err := os.CreateTemp("", "narravox-meta-*.txt")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// escapeMetadata escapes the characters FFMETADATA treats specially.
func escapeMetadata(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "=", "\\=", ";", "\\;", "#", "\\#", "\n", "\\\n")
	return r.Replace(s)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
