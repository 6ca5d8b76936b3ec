// Package postprocess cleans raw transcripts: noise-token filtering, text
// formatting and vocabulary substitution. Everything here is pure; the same
// input and table always give the same output.
package postprocess

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/roelfdiedericks/dictate/internal/types"
)

// noisePattern matches the bracketed or parenthesized annotations whisper
// style models emit for non-speech audio.
var noisePattern = regexp.MustCompile(`(?i)[\[(]\s*(?:blank[_ ]audio|no[_ ]speech|silence|music(?:al)?(?: playing)?|inaudible|indistinct|(?:background )?noise|static|applause|laugh(?:s|ing|ter)?|cough(?:s|ing)?|sighs?|beeps?|clicks?|breathing|wind|sound|speaking (?:in )?foreign language)\s*[\])]`)

// musicNotes strips runs of note symbols used for sung or background music.
var musicNotes = regexp.MustCompile(`[♪♫♬]+`)

// speakerTurn matches the ">>" turn markers some models emit.
var speakerTurn = regexp.MustCompile(`(?:^|\s)>>+\s*`)

// spaceBeforePunct removes stray spaces before closing punctuation.
var spaceBeforePunct = regexp.MustCompile(`\s+([,.!?;:])`)

// Filter removes known transcription noise tokens.
func Filter(raw string) string {
	s := noisePattern.ReplaceAllString(raw, " ")
	s = musicNotes.ReplaceAllString(s, " ")
	s = speakerTurn.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Format normalizes whitespace and punctuation spacing and capitalizes
// the first letter of each sentence.
func Format(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = strings.TrimLeft(s, ",;: ")
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	capNext := true
	for _, r := range s {
		switch {
		case capNext && unicode.IsLetter(r):
			b.WriteRune(unicode.ToUpper(r))
			capNext = false
		case r == '.' || r == '!' || r == '?':
			b.WriteRune(r)
			capNext = true
		default:
			if unicode.IsDigit(r) {
				capNext = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Substituter applies a find/replace table. Matching is case-insensitive
// and whole-word; entries apply in table order, each over the output of
// the previous one.
type Substituter struct {
	rules []rule
}

type rule struct {
	re        *regexp.Regexp
	replace   string
	wordStart bool // find begins with a word character
	wordEnd   bool // find ends with a word character
}

// NewSubstituter compiles table. Entries with an empty find are skipped.
func NewSubstituter(table []types.Substitution) *Substituter {
	s := &Substituter{}
	for _, sub := range table {
		find := strings.TrimSpace(sub.Find)
		if find == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(find)
		last, _ := utf8.DecodeLastRuneInString(find)
		s.rules = append(s.rules, rule{
			re:        regexp.MustCompile(`(?i)` + regexp.QuoteMeta(find)),
			replace:   sub.Replace,
			wordStart: isWordRune(first),
			wordEnd:   isWordRune(last),
		})
	}
	return s
}

// Len returns the number of active rules.
func (s *Substituter) Len() int { return len(s.rules) }

// Apply runs every rule over text.
func (s *Substituter) Apply(text string) string {
	for _, r := range s.rules {
		text = r.apply(text)
	}
	return text
}

// apply replaces matches whose neighbours are not word characters. RE2 has
// no lookaround, so the boundary check is done on the match indices.
func (r rule) apply(text string) string {
	matches := r.re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if r.wordStart && start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:start])
			if isWordRune(prev) {
				continue
			}
		}
		if r.wordEnd && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if isWordRune(next) {
				continue
			}
		}
		b.WriteString(text[last:start])
		b.WriteString(r.replace)
		last = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Pipeline is the fixed post-processing chain.
type Pipeline struct {
	subs *Substituter
}

// New builds a pipeline over a substitution table.
func New(table []types.Substitution) *Pipeline {
	return &Pipeline{subs: NewSubstituter(table)}
}

// Apply filters, substitutes and formats raw. Formatting runs last so a
// replacement at the start of a sentence is capitalized on the first pass.
func (p *Pipeline) Apply(raw string) string {
	return Format(p.subs.Apply(Filter(raw)))
}
