package book

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies an ingested document by content. Two documents with
// identical raw bytes and normalization settings share a fingerprint.
type Fingerprint string

// Document is an immutable ingested text. Jobs reference documents by
// fingerprint and never mutate them.
type Document struct {
	Fingerprint Fingerprint
	Text        string
	Language    string
}

// VoiceParams carries everything the synthesis backend needs to render a
// segment in a particular voice.
type VoiceParams struct {
	Voice          string    `json:"voice"`
	ReferenceAudio string    `json:"reference_audio,omitempty"`
	EmotionVector  []float64 `json:"emotion_vector,omitempty"`
	EmotionWeight  float64   `json:"emotion_weight,omitempty"`
	Speed          float64   `json:"speed,omitempty"`
	DurationHintMS int       `json:"duration_hint_ms,omitempty"`
}

// Segment is the smallest unit of text dispatched to the synthesis backend.
// Index is a global total order over the whole document.
type Segment struct {
	JobID        string      `json:"job_id,omitempty"`
	ChapterIndex int         `json:"chapter_index"`
	Index        int         `json:"index"`
	Text         string      `json:"text"`
	ForcedCut    bool        `json:"forced_cut,omitempty"`
	Voice        VoiceParams `json:"voice"`
}

// Chapter is a titled, contiguous group of segments. Chapters partition the
// segment sequence: EndSegment+1 of one chapter is StartSegment of the next.
type Chapter struct {
	Index        int     `json:"index"`
	Title        string  `json:"title"`
	StartSegment int     `json:"start_segment"`
	EndSegment   int     `json:"end_segment"`
	Confidence   float64 `json:"confidence"`
	Synthetic    bool    `json:"synthetic,omitempty"`
	Unconfirmed  bool    `json:"unconfirmed,omitempty"`
}

// NewDocument normalizes the raw text and computes its fingerprint. The
// normalization settings are folded into the hash so that documents ingested
// under different settings never collide in the preview cache.
func NewDocument(text, language string) Document {
	normalized := normalize(text)
	return Document{
		Fingerprint: ComputeFingerprint(normalized, language),
		Text:        normalized,
		Language:    language,
	}
}

// ComputeFingerprint hashes document bytes together with the normalization
// settings that produced them.
func ComputeFingerprint(text, language string) Fingerprint {
	h := xxhash.New()
	_, _ = h.WriteString(language)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(text)
	return Fingerprint(fmt.Sprintf("%016x", h.Sum64()))
}

func normalize(text string) string {
	// Full-width spaces confuse the boundary patterns; normalize line endings
	// while we are at it.
	text = strings.ReplaceAll(text, "　", " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return text
}
