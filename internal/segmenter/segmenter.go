package segmenter

import (
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/config"
)

// Segmenter splits raw document text into chapters and synthesizable
// segments. It never fails: a document with no recognizable boundary becomes
// a single synthetic chapter.
type Segmenter struct {
	cfg      config.SegmenterConfig
	patterns []pattern
	log      *slog.Logger
}

// Result pairs the detected chapters with the flattened segment sequence.
// Chapters partition the segments with no gaps or overlaps.
type Result struct {
	Chapters []book.Chapter
	Segments []book.Segment
}

func New(cfg config.SegmenterConfig, log *slog.Logger) *Segmenter {
	return &Segmenter{
		cfg:      cfg,
		patterns: loadPatterns(),
		log:      log.With(slog.String("component", "segmenter")),
	}
}

type candidate struct {
	title      string
	start      int
	end        int
	confidence int
	order      int
}

// Segment runs boundary detection over text. The language hint restricts the
// pattern table; an empty or unknown hint tries every language.
func (s *Segmenter) Segment(text, languageHint string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	if languageHint == "" {
		languageHint = s.cfg.DefaultLanguage
	}

	candidates := s.scan(text, languageHint)
	candidates = mergeOverlapping(candidates)
	candidates = s.filterByDistance(candidates)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].start < candidates[j].start })

	return s.extract(text, languageHint, candidates)
}

func (s *Segmenter) scan(text, languageHint string) []candidate {
	known := languageHint == "zh" || languageHint == "en"
	var out []candidate
	for order, p := range s.patterns {
		if known && p.language != languageHint {
			continue
		}
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			title := strings.TrimSpace(text[m[0]:m[1]])
			if title == "" || excluded(title) {
				continue
			}
			if p.confidence < 80 && !s.validateContext(text, m[0], m[1]) {
				continue
			}
			out = append(out, candidate{
				title:      title,
				start:      m[0],
				end:        m[1],
				confidence: p.confidence,
				order:      order,
			})
		}
	}
	return out
}

// validateContext requires heading-like surroundings for medium-confidence
// matches: a blank line before or after, and no sentence punctuation in the
// rest of the matched line.
func (s *Segmenter) validateContext(text string, start, end int) bool {
	prevNL := strings.LastIndexByte(text[:start], '\n')
	blankBefore := prevNL <= 0
	if prevNL > 0 {
		prev2NL := strings.LastIndexByte(text[:prevNL], '\n')
		blankBefore = strings.TrimSpace(text[prev2NL+1:prevNL]) == ""
	}
	blankAfter := false
	if nextNL := strings.IndexByte(text[end:], '\n'); nextNL >= 0 {
		rest := text[end+nextNL+1:]
		if next2NL := strings.IndexByte(rest, '\n'); next2NL >= 0 {
			blankAfter = strings.TrimSpace(rest[:next2NL]) == ""
		} else {
			blankAfter = strings.TrimSpace(rest) == ""
		}
	} else {
		blankAfter = true
	}
	if !blankBefore && !blankAfter {
		return false
	}
	lineEnd := strings.IndexByte(text[end:], '\n')
	tail := text[end:]
	if lineEnd >= 0 {
		tail = text[end : end+lineEnd]
	}
	return !sentencePunct.MatchString(tail)
}

// mergeOverlapping collapses candidates whose matched spans overlap or sit
// within a few bytes of each other. The survivor is picked by: non-empty
// title first, then higher confidence, then longer title, then pattern table
// order, so equal matches resolve the same way on every run.
func mergeOverlapping(candidates []candidate) []candidate {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].start != sorted[j].start {
			return sorted[i].start < sorted[j].start
		}
		return sorted[i].order < sorted[j].order
	})

	merged := sorted[:1]
	for _, cand := range sorted[1:] {
		last := &merged[len(merged)-1]
		if cand.start < last.end || cand.start-last.start <= 10 {
			if betterCandidate(cand, *last) {
				*last = cand
			}
			continue
		}
		merged = append(merged, cand)
	}
	return merged
}

func betterCandidate(a, b candidate) bool {
	if (a.title != "") != (b.title != "") {
		return a.title != ""
	}
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	if len(a.title) != len(b.title) {
		return len(a.title) > len(b.title)
	}
	return a.order < b.order
}

// filterByDistance drops candidates packed too tightly; headings occur at
// most once per passage, so nearby lower-confidence matches are noise.
func (s *Segmenter) filterByDistance(candidates []candidate) []candidate {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].confidence != sorted[j].confidence {
			return sorted[i].confidence > sorted[j].confidence
		}
		return sorted[i].start < sorted[j].start
	})

	var accepted []candidate
	for _, cand := range sorted {
		ok := true
		for _, a := range accepted {
			dist := cand.start - a.start
			if dist < 0 {
				dist = -dist
			}
			if dist < s.minDistance(cand, a) {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, cand)
		}
	}
	return accepted
}

func (s *Segmenter) minDistance(a, b candidate) int {
	min := a.confidence
	if b.confidence < min {
		min = b.confidence
	}
	switch {
	case min >= 80:
		return 15
	case min >= 60:
		return 30
	default:
		return s.cfg.MinChapterDistance
	}
}

func (s *Segmenter) extract(text, languageHint string, candidates []candidate) Result {
	var res Result
	segIndex := 0

	appendChapter := func(title, content string, confidence float64, synthetic bool) {
		ch := book.Chapter{
			Index:        len(res.Chapters),
			Title:        title,
			StartSegment: segIndex,
			Confidence:   confidence,
			Synthetic:    synthetic,
			Unconfirmed:  !synthetic && confidence < s.cfg.ConfidenceThreshold,
		}
		for _, part := range splitIntoSegments(title, content, s.cfg.SegmentMaxChars) {
			res.Segments = append(res.Segments, book.Segment{
				ChapterIndex: ch.Index,
				Index:        segIndex,
				Text:         part.text,
				ForcedCut:    part.forced,
			})
			segIndex++
		}
		ch.EndSegment = segIndex - 1
		res.Chapters = append(res.Chapters, ch)
	}

	if len(candidates) == 0 {
		title := "Full Text"
		if languageHint == "zh" {
			title = "全文"
		}
		appendChapter(title, cleanContent(text), 1.0, true)
		return res
	}

	if candidates[0].start > 10 {
		preface := cleanContent(text[:candidates[0].start])
		if len(preface) > 10 {
			title := "Preface"
			if languageHint == "zh" {
				title = "前言"
			}
			appendChapter(title, preface, 1.0, true)
		}
	}

	for i, cand := range candidates {
		contentStart := cand.end
		if nl := strings.IndexByte(text[contentStart:], '\n'); nl >= 0 {
			contentStart += nl + 1
		} else {
			contentStart = len(text)
		}
		contentEnd := len(text)
		if i+1 < len(candidates) {
			contentEnd = optimalBoundary(text, candidates[i+1].start)
			if contentEnd < contentStart {
				contentEnd = contentStart
			}
		}
		appendChapter(cand.title, cleanContent(text[contentStart:contentEnd]), float64(cand.confidence)/100, false)
	}
	return res
}

// optimalBoundary backs a chapter cut up to a nearby sentence end so the
// preceding chapter does not swallow half a sentence of the title line.
func optimalBoundary(text string, boundary int) int {
	if boundary < len(text) {
		switch text[boundary] {
		case '\n', ' ', '\t':
			return boundary
		}
	}
	searchStart := boundary - 60
	if searchStart < 0 {
		searchStart = 0
	}
	lastNewline := -1
	for i := boundary; i > searchStart; {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if size == 0 {
			break
		}
		i -= size
		if r == '\n' && lastNewline < 0 {
			lastNewline = i + 1
		}
		if isSentenceEnd(r) && i+size < len(text) {
			switch text[i+size] {
			case '\n', ' ', '\t':
				return i + size
			}
		}
	}
	if lastNewline >= 0 {
		return lastNewline
	}
	return boundary
}

func cleanContent(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	content = strings.Join(lines, "\n")
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return content
}
