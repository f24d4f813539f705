package segmenter

import (
	"strings"
	"unicode/utf8"
)

type segmentText struct {
	text   string
	forced bool
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '…', '.', '!', '?':
		return true
	}
	return false
}

// splitIntoSegments packs a chapter into synthesis-sized pieces. Splits
// happen at sentence ends, then clause ends, and only force-cut mid-sentence
// when a single run of text has no safe break before maxChars. A chapter
// whose body is empty still yields one segment so chapters always partition
// the segment sequence; the title is spoken in its place.
func splitIntoSegments(title, content string, maxChars int) []segmentText {
	if strings.TrimSpace(content) == "" {
		return []segmentText{{text: title}}
	}

	var out []segmentText
	var buf strings.Builder
	bufLen := 0

	flush := func(forced bool) {
		text := strings.TrimSpace(buf.String())
		if text != "" {
			out = append(out, segmentText{text: text, forced: forced})
		}
		buf.Reset()
		bufLen = 0
	}

	for _, sentence := range splitSentences(content) {
		n := utf8.RuneCountInString(sentence)
		if n > maxChars {
			flush(false)
			for _, piece := range forceCut(sentence, maxChars) {
				out = append(out, piece)
			}
			continue
		}
		if bufLen+n > maxChars {
			flush(false)
		}
		buf.WriteString(sentence)
		bufLen += n
	}
	flush(false)

	if len(out) == 0 {
		return []segmentText{{text: title}}
	}
	return out
}

// splitSentences cuts text after sentence-ending punctuation or a newline,
// keeping the terminator with the sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if isSentenceEnd(r) || r == '\n' {
			end := i + utf8.RuneLen(r)
			if s := text[start:end]; strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
			start = end
		}
	}
	if start < len(text) {
		if s := text[start:]; strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// forceCut slices an unbreakable run at the rune limit. Every resulting piece
// except possibly the last is flagged so downstream consumers know the cut
// was unsafe.
func forceCut(text string, maxChars int) []segmentText {
	var out []segmentText
	runes := []rune(strings.TrimSpace(text))
	for len(runes) > 0 {
		n := maxChars
		if n > len(runes) {
			n = len(runes)
		}
		piece := string(runes[:n])
		runes = runes[n:]
		out = append(out, segmentText{text: piece, forced: len(runes) > 0 || n == maxChars})
	}
	return out
}
