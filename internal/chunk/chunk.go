// Package chunk splits evidence text into indexable pieces. Legal
// documents are split along section headings with paragraph packing;
// everything else falls back to an overlapping sliding window. The
// package is pure: no I/O, no storage, deterministic output.
package chunk

import (
	"regexp"
	"strings"
)

const (
	// DefaultSize is the maximum chunk length in runes.
	DefaultSize = 512
	// DefaultOverlap is the sliding-window overlap in runes.
	DefaultOverlap = 64
)

// sectionRE matches legal section headings: "Section 12", "§ 1983",
// "Article IV", "3.1 Definitions", and the like. A match starts a new
// semantic chunk.
var sectionRE = regexp.MustCompile(`(?im)^[ \t]*(section|§|article|chapter|part|\d+\.)\s*[\dIVXivx.\w]*[^\n]*`)

// paragraphRE matches blank-line paragraph separators.
var paragraphRE = regexp.MustCompile(`\n[ \t]*\n+`)

// legalTerms flag text as legal when at least two appear.
var legalTerms = []string{
	"section", "article", "chapter", "statute", "law",
	"court", "plaintiff", "defendant", "contract", "agreement",
}

// confidenceTerms each add 0.1 to classification confidence.
var confidenceTerms = []string{"law", "legal", "court", "statute", "regulation"}

// Domain is a coarse legal practice area.
type Domain string

const (
	DomainContract  Domain = "contract"
	DomainCriminal  Domain = "criminal"
	DomainTort      Domain = "tort"
	DomainProperty  Domain = "property"
	DomainCorporate Domain = "corporate"
	DomainFamily    Domain = "family"
	DomainGeneral   Domain = "general"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainContract, DomainCriminal, DomainTort, DomainProperty,
		DomainCorporate, DomainFamily, DomainGeneral:
		return true
	}
	return false
}

// Chunk is one piece of split text. StartChar and EndChar are rune
// offsets into the original input; Content == input[StartChar:EndChar]
// in rune terms.
type Chunk struct {
	Index      int
	Content    string
	Section    string
	StartChar  int
	EndChar    int
	Tokens     int
	Domain     Domain
	Confidence float32
}

// Options tunes Split. Zero values take the defaults.
type Options struct {
	Size    int
	Overlap int
}

func (o Options) normalized() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap <= 0 {
		o.Overlap = DefaultOverlap
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 8
	}
	return o
}

// span is a half-open rune range with the heading it belongs to.
type span struct {
	start, end int
	section    string
}

// Split chunks text. The chunks cover the input in order: every rune of
// the input appears in at least one chunk, and StartChar never
// decreases. Input at or under the size limit comes back as one chunk.
func Split(text string, opts Options) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	opts = opts.normalized()

	var spans []span
	switch {
	case len(runes) <= opts.Size:
		spans = []span{{start: 0, end: len(runes)}}
	case IsLegalText(text):
		spans = semanticSpans(text, runes, opts)
	}
	if len(spans) == 0 {
		spans = windowSpans(runes, 0, opts)
	}

	chunks := make([]Chunk, len(spans))
	for i, sp := range spans {
		content := string(runes[sp.start:sp.end])
		chunks[i] = Chunk{
			Index:      i,
			Content:    content,
			Section:    sp.section,
			StartChar:  sp.start,
			EndChar:    sp.end,
			Tokens:     EstimateTokens(content),
			Domain:     ClassifyDomain(content),
			Confidence: Confidence(content),
		}
	}
	return chunks
}

// semanticSpans splits along section headings, packing paragraphs when
// a section overflows the size limit. Text before the first heading
// becomes its own leading span so nothing is dropped.
func semanticSpans(text string, runes []rune, opts Options) []span {
	matches := sectionRE.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	starts := make([]int, 0, len(matches)+1)
	for _, m := range matches {
		starts = append(starts, m[0])
	}
	ends := runeIndexes(text, starts)

	var sections []span
	if ends[0] > 0 {
		sections = append(sections, span{start: 0, end: ends[0]})
	}
	for i, start := range ends {
		end := len(runes)
		if i+1 < len(ends) {
			end = ends[i+1]
		}
		if end <= start {
			continue
		}
		sections = append(sections, span{
			start:   start,
			end:     end,
			section: headingLine(runes[start:end]),
		})
	}

	var out []span
	for _, sec := range sections {
		if sec.end-sec.start <= opts.Size {
			out = append(out, sec)
			continue
		}
		out = append(out, packParagraphs(runes, sec, opts)...)
	}
	return out
}

// packParagraphs greedily packs a section's paragraphs into spans under
// the size limit. A single paragraph over the limit is window-split.
func packParagraphs(runes []rune, sec span, opts Options) []span {
	secText := string(runes[sec.start:sec.end])
	seps := paragraphRE.FindAllStringIndex(secText, -1)

	// Paragraph boundaries are the rune offsets just past each
	// separator; the separator stays with the preceding paragraph.
	bounds := []int{sec.start}
	if len(seps) > 0 {
		sepEnds := make([]int, 0, len(seps))
		for _, m := range seps {
			sepEnds = append(sepEnds, m[1])
		}
		for _, off := range runeIndexes(secText, sepEnds) {
			b := sec.start + off
			if b > bounds[len(bounds)-1] && b < sec.end {
				bounds = append(bounds, b)
			}
		}
	}
	bounds = append(bounds, sec.end)

	var out []span
	cur := span{start: bounds[0], end: bounds[0], section: sec.section}
	for i := 0; i+1 < len(bounds); i++ {
		pStart, pEnd := bounds[i], bounds[i+1]

		if pEnd-pStart > opts.Size {
			if cur.end > cur.start {
				out = append(out, cur)
			}
			for _, w := range windowSpans(runes[pStart:pEnd], pStart, opts) {
				w.section = sec.section
				out = append(out, w)
			}
			cur = span{start: pEnd, end: pEnd, section: sec.section}
			continue
		}

		if pEnd-cur.start > opts.Size && cur.end > cur.start {
			out = append(out, cur)
			cur = span{start: pStart, end: pStart, section: sec.section}
		}
		cur.end = pEnd
	}
	if cur.end > cur.start {
		out = append(out, cur)
	}
	return out
}

// windowSpans slides a fixed window over runes, preferring to cut at a
// sentence boundary once past half the window. base shifts the reported
// offsets when the runes are a slice of a larger input. Consecutive
// windows overlap, so coverage has no gaps.
func windowSpans(runes []rune, base int, opts Options) []span {
	var out []span
	i := 0
	for {
		end := min(i+opts.Size, len(runes))
		if end < len(runes) {
			if cut := sentenceCut(runes[i:end], opts.Size/2); cut > 0 {
				end = i + cut
			}
		}
		out = append(out, span{start: base + i, end: base + end})
		if end >= len(runes) {
			return out
		}
		i = max(end-opts.Overlap, i+1)
	}
}

// sentenceCut returns the rune offset just past the last period in
// window, or 0 when no period lies past the floor.
func sentenceCut(window []rune, floor int) int {
	for i := len(window) - 1; i > floor; i-- {
		if window[i] == '.' {
			return i + 1
		}
	}
	return 0
}

// headingLine returns the first line of a section, trimmed, for the
// chunk's section label.
func headingLine(runes []rune) string {
	s := string(runes)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// runeIndexes converts ascending byte offsets into rune offsets with a
// single pass over text.
func runeIndexes(text string, byteOffsets []int) []int {
	out := make([]int, len(byteOffsets))
	next := 0
	runeIdx := 0
	for byteIdx := range text {
		for next < len(byteOffsets) && byteOffsets[next] <= byteIdx {
			out[next] = runeIdx
			next++
		}
		runeIdx++
	}
	for ; next < len(byteOffsets); next++ {
		out[next] = runeIdx
	}
	return out
}

// IsLegalText reports whether text reads like a legal document: at
// least two distinct legal terms appear.
func IsLegalText(text string) bool {
	lower := strings.ToLower(text)
	count := 0
	for _, term := range legalTerms {
		if strings.Contains(lower, term) {
			count++
			if count >= 2 {
				return true
			}
		}
	}
	return false
}

// ClassifyDomain assigns a practice area by keyword. First match wins;
// text mentioning both contracts and crimes is a contract text here,
// which is crude but stable.
func ClassifyDomain(text string) Domain {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "contract") || strings.Contains(lower, "agreement"):
		return DomainContract
	case strings.Contains(lower, "criminal") || strings.Contains(lower, "crime"):
		return DomainCriminal
	case strings.Contains(lower, "tort") || strings.Contains(lower, "negligence"):
		return DomainTort
	case strings.Contains(lower, "property"):
		return DomainProperty
	case strings.Contains(lower, "corporate"):
		return DomainCorporate
	case strings.Contains(lower, "family"):
		return DomainFamily
	default:
		return DomainGeneral
	}
}

// Confidence scores how confidently text classifies as legal material:
// 0.5 base plus 0.1 per distinct scoring term, capped at 1.0.
func Confidence(text string) float32 {
	lower := strings.ToLower(text)
	confidence := float32(0.5)
	for _, term := range confidenceTerms {
		if strings.Contains(lower, term) {
			confidence += 0.1
			if confidence >= 1.0 {
				return 1.0
			}
		}
	}
	return confidence
}

// EstimateTokens approximates the LLM token count as len/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}
