package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth shells out to an external engine per request. The engine reads
// one JSON request on stdin and writes line-delimited JSON chunks on
// stdout until a final chunk.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text           string    `json:"text"`
	Voice          string    `json:"voice"`
	ReferenceAudio string    `json:"reference_audio,omitempty"`
	Emotion        []float64 `json:"emotion,omitempty"`
	EmotionWeight  float64   `json:"emotion_weight,omitempty"`
	Speed          float64   `json:"speed,omitempty"`
	SampleRate     int       `json:"sample_rate"`
	Channels       int       `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	payload := execRequest{
		Text:           req.Text,
		Voice:          req.Voice.Voice,
		ReferenceAudio: req.Voice.ReferenceAudio,
		Emotion:        req.Voice.EmotionVector,
		EmotionWeight:  req.Voice.EmotionWeight,
		Speed:          req.Voice.Speed,
		SampleRate:     e.sampleRate,
		Channels:       e.channels,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, Permanent(err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, Transient(err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, Transient(err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Result{}, Transient(fmt.Errorf("decode engine response: %w", err))
		}
		if resp.Error != "" {
			cmd.Wait()
			engineErr := fmt.Errorf("engine: %s", resp.Error)
			if resp.Permanent {
				return Result{}, Permanent(engineErr)
			}
			return Result{}, Transient(engineErr)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return Result{}, Transient(fmt.Errorf("decode pcm chunk: %w", err))
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, Transient(ctxErr)
		}
		return Result{}, Transient(fmt.Errorf("engine exited: %w", err))
	}
	if err := scanner.Err(); err != nil {
		return Result{}, Transient(err)
	}
	if len(pcm) == 0 {
		return Result{}, Transient(fmt.Errorf("engine produced no audio"))
	}

	return Result{
		PCM:        pcm,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
		DurationMS: durationMS(len(pcm), e.sampleRate, e.channels),
	}, nil
}
