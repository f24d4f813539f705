package segmenter

import "github.com/grafana/regexp"

// pattern is one chapter-boundary matcher. Confidence is a 0-100 score used
// for candidate filtering and tie-breaks; it is normalized to [0,1] on the
// resulting chapter.
type pattern struct {
	name       string
	language   string
	confidence int
	re         *regexp.Regexp
}

func loadPatterns() []pattern {
	return []pattern{
		{"structured_chapter", "zh", 100, regexp.MustCompile(`(?m)^[ \t]*(第|卷)[ \t]*[一二三四五六七八九十百千万零\d]+[ \t]*[章回节部卷].*$`)},
		{"keyword", "zh", 80, regexp.MustCompile(`(?m)^[ \t]*(序|前言|引子|楔子|后记|番外|尾声|序章|序幕)[ \t]*$`)},
		{"parentheses", "zh", 65, regexp.MustCompile(`(?m)^[ \t]*[（(][ \t]*[一二三四五六七八九十百千万零廿卅卌\d]+[ \t]*[)）][ \t]*.*$`)},
		{"numbered", "zh", 60, regexp.MustCompile(`(?m)^[ \t]*[一二三四五六七八九十百千万廿卅卌\d]+[ \t]*[、.．].*$`)},
		{"structured_chapter", "en", 100, regexp.MustCompile(`(?mi)^[ \t]*Chapter[ \t]+[0-9IVXLC]+\b.*$`)},
		{"part", "en", 90, regexp.MustCompile(`(?mi)^[ \t]*Part[ \t]+[0-9IVXLC]+\b.*$`)},
		{"section", "en", 80, regexp.MustCompile(`(?mi)^[ \t]*Section[ \t]+\d+\b.*$`)},
		{"prologue_keyword", "en", 80, regexp.MustCompile(`(?mi)^[ \t]*(Prologue|Epilogue|Foreword|Preface|Afterword|Interlude)[ \t]*$`)},
	}
}

// Titles matching any of these are never chapter boundaries: file names,
// URLs, markup, separator art, bare number runs.
var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.(html?|htm|txt|doc|pdf|jpg|png|gif|css|js)$`),
	regexp.MustCompile(`(?i)(http|www|\.com|\.cn|\.org)`),
	regexp.MustCompile(`[<>{}\[\];=&%#]`),
	regexp.MustCompile(`^[ \t]*\d{4,}[ \t]*$`),
	regexp.MustCompile("^[ \t]*[*+\\-=_~`]+[ \t]*$"),
	regexp.MustCompile(`^[ \t]*[.。·]{3,}[ \t]*$`),
	regexp.MustCompile(`^[ \t]*[…]{2,}[ \t]*$`),
	regexp.MustCompile(`^[ \t]*[—–-]{3,}[ \t]*$`),
}

var sentencePunct = regexp.MustCompile(`[。！？.!?]`)

func excluded(title string) bool {
	for _, re := range exclusionPatterns {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}
