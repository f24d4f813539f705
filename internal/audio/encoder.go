// Package audio turns raw PCM into the final audiobook containers.
package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Output container formats.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatM4B Format = "m4b"
)

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatWAV, FormatMP3, FormatM4B:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// ChapterMark positions one chapter inside an output file.
type ChapterMark struct {
	Title   string
	StartMS int64
	EndMS   int64
}

// Metadata is embedded into mp3 and m4b containers.
type Metadata struct {
	Title     string
	Artist    string
	Album     string
	Chapters  []ChapterMark
	CoverPath string
}

// EncodingError reports a failed container write.
type EncodingError struct {
	Format Format
	Path   string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s to %s: %v", e.Format, e.Path, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encoder writes finished audio files. WAV is written natively; compressed
// containers go through an external ffmpeg process.
type Encoder struct {
	sampleRate int
	channels   int
	mp3Bitrate int
	ffmpeg     *ffmpegRunner
}

func NewEncoder(sampleRate, channels, mp3Bitrate int, ffmpegCommand string) (*Encoder, error) {
	runner, err := newFFmpegRunner(ffmpegCommand)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		sampleRate: sampleRate,
		channels:   channels,
		mp3Bitrate: mp3Bitrate,
		ffmpeg:     runner,
	}, nil
}

// Encode writes pcm to path in the requested format.
func (e *Encoder) Encode(ctx context.Context, pcm []byte, format Format, path string, meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &EncodingError{Format: format, Path: path, Err: err}
	}

	switch format {
	case FormatWAV:
		if err := e.writeWAV(path, pcm); err != nil {
			return &EncodingError{Format: format, Path: path, Err: err}
		}
		return nil
	case FormatMP3, FormatM4B:
		tmp, err := os.CreateTemp(filepath.Dir(path), "narravox-*.wav")
		if err != nil {
			return &EncodingError{Format: format, Path: path, Err: err}
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		if err := e.writeWAV(tmpPath, pcm); err != nil {
			return &EncodingError{Format: format, Path: path, Err: err}
		}
		if err := e.ffmpeg.convert(ctx, tmpPath, path, format, e.mp3Bitrate, meta); err != nil {
			return &EncodingError{Format: format, Path: path, Err: err}
		}
		return nil
	default:
		return &EncodingError{Format: format, Path: path, Err: fmt.Errorf("unsupported format")}
	}
}

func (e *Encoder) writeWAV(path string, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, e.sampleRate, 16, e.channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: e.channels, SampleRate: e.sampleRate},
		Data:           make([]int, len(pcm)/2),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// WAVBytes wraps little-endian int16 PCM in a WAV container in memory,
// for responses that never touch disk.
func WAVBytes(pcm []byte, sampleRate, channels int) ([]byte, error) {
	w := &wavBuffer{}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(pcm)/2),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return w.data, nil
}

// wavBuffer is an in-memory io.WriteSeeker. The wav encoder seeks back to
// patch chunk sizes on Close, which rules out a plain bytes.Buffer.
type wavBuffer struct {
	data []byte
	pos  int
}

func (b *wavBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		b.data = append(b.data, make([]byte, need-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *wavBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("seek before start")
	}
	b.pos = int(pos)
	return pos, nil
}

// Silence produces ms of silent PCM in the encoder's format.
func (e *Encoder) Silence(ms int) []byte {
	samples := ms * e.sampleRate / 1000
	return make([]byte, samples*e.channels*2)
}

// DurationMS reports the play length of a PCM buffer.
func (e *Encoder) DurationMS(pcmLen int) int64 {
	if e.sampleRate <= 0 || e.channels <= 0 {
		return 0
	}
	return int64(pcmLen/(2*e.channels)) * 1000 / int64(e.sampleRate)
}
