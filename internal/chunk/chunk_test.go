package chunk

import (
	"strings"
	"testing"
)

// checkCoverage asserts the core splitting invariants: chunks appear in
// order, cover every rune of the input, and each Content matches its
// rune offsets.
func checkCoverage(t *testing.T, text string, chunks []Chunk) {
	t.Helper()
	runes := []rune(text)
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}
	if chunks[0].StartChar != 0 {
		t.Errorf("first chunk starts at %d, want 0", chunks[0].StartChar)
	}
	if last := chunks[len(chunks)-1]; last.EndChar != len(runes) {
		t.Errorf("last chunk ends at %d, want %d", last.EndChar, len(runes))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
		if c.StartChar >= c.EndChar {
			t.Errorf("chunk %d has empty span [%d,%d)", i, c.StartChar, c.EndChar)
		}
		if got := string(runes[c.StartChar:c.EndChar]); got != c.Content {
			t.Errorf("chunk %d content does not match its offsets", i)
		}
		if i > 0 {
			prev := chunks[i-1]
			if c.StartChar < prev.StartChar {
				t.Errorf("chunk %d starts before chunk %d", i, i-1)
			}
			if c.StartChar > prev.EndChar {
				t.Errorf("gap between chunk %d (ends %d) and chunk %d (starts %d)",
					i-1, prev.EndChar, i, c.StartChar)
			}
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split("", Options{}); got != nil {
		t.Errorf("Split(empty) = %v, want nil", got)
	}
}

func TestSplitShortInputIsOneChunk(t *testing.T) {
	text := "The plaintiff signed the agreement in open court."
	chunks := Split(text, Options{})
	if len(chunks) != 1 {
		t.Fatalf("Split(short) produced %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Content != text || c.StartChar != 0 || c.EndChar != len([]rune(text)) {
		t.Errorf("single chunk = %+v, want whole input", c)
	}
	if c.Domain != DomainContract {
		t.Errorf("domain = %q, want contract", c.Domain)
	}
	if c.Tokens != len(text)/4 {
		t.Errorf("tokens = %d, want %d", c.Tokens, len(text)/4)
	}
}

func TestSplitSectionsAlignToHeadings(t *testing.T) {
	text := "Preamble. This agreement is made between the plaintiff and the defendant.\n" +
		"\n" +
		"Section 1. Definitions\n" +
		"\n" +
		`"Agreement" means this contract between the parties named above.` + "\n" +
		"\n" +
		"Section 2. Term\n" +
		"\n" +
		"The term of this agreement runs for two years from the effective date.\n"

	chunks := Split(text, Options{Size: 120, Overlap: 16})
	checkCoverage(t, text, chunks)

	if len(chunks) != 3 {
		t.Fatalf("Split() produced %d chunks, want 3 (preamble + 2 sections)", len(chunks))
	}
	if chunks[0].Section != "" {
		t.Errorf("preamble section label = %q, want empty", chunks[0].Section)
	}
	if !strings.HasPrefix(chunks[1].Content, "Section 1.") {
		t.Errorf("chunk 1 starts %q, want the Section 1 heading", firstLine(chunks[1].Content))
	}
	if chunks[1].Section != "Section 1. Definitions" {
		t.Errorf("chunk 1 section label = %q", chunks[1].Section)
	}
	if !strings.HasPrefix(chunks[2].Content, "Section 2.") {
		t.Errorf("chunk 2 starts %q, want the Section 2 heading", firstLine(chunks[2].Content))
	}
}

func TestSplitPacksParagraphsInOversizedSection(t *testing.T) {
	para := strings.Repeat("The court held the statute applies. ", 2) // ~72 runes
	text := "Article 1. Liability of the parties\n\n" +
		para + "\n\n" + para + "\n\n" + para + "\n\n" + para

	chunks := Split(text, Options{Size: 180, Overlap: 16})
	checkCoverage(t, text, chunks)

	if len(chunks) < 2 {
		t.Fatalf("oversized section split into %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if n := c.EndChar - c.StartChar; n > 180 {
			t.Errorf("chunk %d has %d runes, want <= 180", i, n)
		}
		if c.Section != "Article 1. Liability of the parties" {
			t.Errorf("chunk %d section = %q, want the article heading", i, c.Section)
		}
	}
}

func TestSplitWindowFallback(t *testing.T) {
	// No legal vocabulary, so the window path runs.
	text := strings.Repeat("word ", 300) // 1500 runes
	chunks := Split(text, Options{})
	checkCoverage(t, text, chunks)

	if len(chunks) < 2 {
		t.Fatalf("long plain text split into %d chunks, want several", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		overlap := chunks[i-1].EndChar - chunks[i].StartChar
		if overlap <= 0 {
			t.Errorf("chunks %d and %d do not overlap", i-1, i)
		}
	}
}

func TestSplitWindowPrefersSentenceBoundary(t *testing.T) {
	// One period placed past half the window; the first cut lands
	// just after it.
	text := strings.Repeat("a", 400) + ". " + strings.Repeat("b", 400)
	chunks := Split(text, Options{Size: 512, Overlap: 64})
	checkCoverage(t, text, chunks)

	if chunks[0].EndChar != 401 {
		t.Errorf("first chunk ends at %d, want 401 (just past the period)", chunks[0].EndChar)
	}
	if !strings.HasSuffix(chunks[0].Content, ".") {
		t.Errorf("first chunk ends %q, want a period", chunks[0].Content[len(chunks[0].Content)-5:])
	}
}

func TestSplitRuneOffsetsWithMultibyteText(t *testing.T) {
	// Window path over multibyte runes.
	text := "§ 1983 claims. " + strings.Repeat("Die Klägerin trägt vor, der Vertrag sei nichtig. ", 30)
	chunks := Split(text, Options{Size: 256, Overlap: 32})
	checkCoverage(t, text, chunks)

	// Semantic path: § headings force byte-to-rune offset conversion,
	// and the oversized single paragraphs force window splitting inside
	// a section.
	legal := "§ 1. Gegenstand des Vertrags\n\n" +
		strings.Repeat("Der Vertrag (the agreement) unterliegt dem Gesetz (the law and statute). ", 10) +
		"\n\n§ 2. Laufzeit\n\n" +
		strings.Repeat("Die Laufzeit beträgt zwei Jahre vor dem court. ", 8)
	chunks = Split(legal, Options{Size: 200, Overlap: 32})
	checkCoverage(t, legal, chunks)

	if chunks[0].Section != "§ 1. Gegenstand des Vertrags" {
		t.Errorf("first section label = %q", chunks[0].Section)
	}
	last := chunks[len(chunks)-1]
	if last.Section != "§ 2. Laufzeit" {
		t.Errorf("last section label = %q", last.Section)
	}
}

func TestIsLegalText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"two terms", "The plaintiff sued the defendant.", true},
		{"statute and court", "The court applied the statute.", true},
		{"one term", "See you in court on Tuesday.", false},
		{"no terms", "The quick brown fox jumps over the lazy dog.", false},
		{"case insensitive", "PLAINTIFF moves; DEFENDANT opposes.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLegalText(tt.text); got != tt.want {
				t.Errorf("IsLegalText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyDomain(t *testing.T) {
	tests := []struct {
		text string
		want Domain
	}{
		{"breach of the agreement terms", DomainContract},
		{"the defendant committed a crime", DomainCriminal},
		{"negligence caused the injury", DomainTort},
		{"the property line dispute", DomainProperty},
		{"corporate governance rules", DomainCorporate},
		{"family custody arrangement", DomainFamily},
		{"an unremarkable paragraph", DomainGeneral},
		// Contract wins over later branches when both appear.
		{"a criminal breach of contract", DomainContract},
	}
	for _, tt := range tests {
		if got := ClassifyDomain(tt.text); got != tt.want {
			t.Errorf("ClassifyDomain(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestDomainValid(t *testing.T) {
	for _, d := range []Domain{DomainContract, DomainCriminal, DomainTort,
		DomainProperty, DomainCorporate, DomainFamily, DomainGeneral} {
		if !d.Valid() {
			t.Errorf("Domain(%q).Valid() = false, want true", d)
		}
	}
	if Domain("maritime").Valid() {
		t.Error(`Domain("maritime").Valid() = true, want false`)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float32
	}{
		{"no terms", "plain prose", 0.5},
		{"one term", "the court ruled", 0.6},
		{"two terms", "the court applied the law", 0.7},
		{"all terms cap", "law legal court statute regulation law legal", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.text)
			if diff := got - tt.want; diff > 0.001 || diff < -0.001 {
				t.Errorf("Confidence(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("EstimateTokens(8 bytes) = %d, want 2", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{}.normalized()
	if o.Size != DefaultSize || o.Overlap != DefaultOverlap {
		t.Errorf("normalized zero options = %+v, want defaults", o)
	}

	// Overlap >= size would never make progress.
	o = Options{Size: 100, Overlap: 200}.normalized()
	if o.Overlap >= o.Size {
		t.Errorf("normalized overlap %d >= size %d", o.Overlap, o.Size)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
