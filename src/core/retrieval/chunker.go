package retrieval

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultMaxChunkChars  = 1500
	DefaultMinSourceChars = 20
	DefaultMinChunkChars  = 40
)

// ChunkPolicy bounds the size of produced chunks. Lengths are counted in runes.
type ChunkPolicy struct {
	MaxChars       int `mapstructure:"max_chars"`
	MinSourceChars int `mapstructure:"min_source_chars"`
	MinChunkChars  int `mapstructure:"min_chunk_chars"`
	Overlap        int `mapstructure:"overlap"`
}

// DefaultChunkPolicy returns the policy used for zero fields.
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		MaxChars:       DefaultMaxChunkChars,
		MinSourceChars: DefaultMinSourceChars,
		MinChunkChars:  DefaultMinChunkChars,
	}
}

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	sentenceEnd    = regexp.MustCompile(`[^.!?。！？]*[.!?。！？]+["')\]」]*\s*`)
)

// Chunker splits source text into paragraph-aligned chunks.
type Chunker struct {
	policy ChunkPolicy
}

func NewChunker(policy ChunkPolicy) *Chunker {
	d := DefaultChunkPolicy()
	if policy.MaxChars <= 0 {
		policy.MaxChars = d.MaxChars
	}
	if policy.MinSourceChars < 0 {
		policy.MinSourceChars = 0
	}
	if policy.MinChunkChars < 0 {
		policy.MinChunkChars = 0
	}
	if policy.Overlap < 0 || policy.Overlap >= policy.MaxChars {
		policy.Overlap = 0
	}
	return &Chunker{policy: policy}
}

// Policy returns the effective policy.
func (c *Chunker) Policy() ChunkPolicy {
	return c.policy
}

// Split returns the ordered chunks of text. Text shorter than MinSourceChars
// yields no chunks.
func (c *Chunker) Split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if runeLen(strings.TrimSpace(text)) < c.policy.MinSourceChars {
		return nil
	}

	var chunks []string
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		chunks = append(chunks, c.splitParagraph(para)...)
	}
	return chunks
}

// Paragraphs are never merged with each other; a short paragraph is its own
// chunk. Only fragments of one oversized paragraph are packed together.
func (c *Chunker) splitParagraph(para string) []string {
	if runeLen(para) <= c.policy.MaxChars {
		return []string{para}
	}

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(para) {
		if runeLen(sentence) > c.policy.MaxChars {
			flush()
			pieces := c.hardSplit(sentence)
			if len(pieces) == 0 {
				continue
			}
			// the tail of a hard split keeps packing with the next sentences
			out = append(out, pieces[:len(pieces)-1]...)
			current.WriteString(pieces[len(pieces)-1] + " ")
			continue
		}
		if runeLen(current.String())+runeLen(sentence) > c.policy.MaxChars {
			flush()
		}
		current.WriteString(sentence)
	}
	flush()
	return c.mergeFragments(out)
}

// mergeFragments folds a fragment shorter than MinChunkChars into the
// preceding fragment of the same paragraph when the result fits MaxChars.
func (c *Chunker) mergeFragments(frags []string) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		if n := len(out); n > 0 && runeLen(f) < c.policy.MinChunkChars {
			merged := out[n-1] + " " + f
			if runeLen(merged) <= c.policy.MaxChars {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// hardSplit cuts an oversized sentence on line, then word, then character
// boundaries.
func (c *Chunker) hardSplit(s string) []string {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.policy.MaxChars),
		textsplitter.WithChunkOverlap(c.policy.Overlap),
		textsplitter.WithSeparators([]string{"\n", " ", ""}),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	pieces, err := splitter.SplitText(s)
	if err != nil {
		pieces = []string{s}
	}

	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		for runeLen(p) > c.policy.MaxChars {
			r := []rune(p)
			out = append(out, strings.TrimSpace(string(r[:c.policy.MaxChars])))
			p = strings.TrimSpace(string(r[c.policy.MaxChars:]))
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitSentences(para string) []string {
	matches := sentenceEnd.FindAllStringIndex(para, -1)
	sentences := make([]string, 0, len(matches)+1)
	end := 0
	for _, m := range matches {
		if m[1] <= end {
			continue
		}
		sentences = append(sentences, para[m[0]:m[1]])
		end = m[1]
	}
	if end < len(para) {
		sentences = append(sentences, para[end:])
	}
	return sentences
}

// Turn is one message of a conversation transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FlattenTurns renders a transcript as paragraph text, one "role: content"
// paragraph per turn. Consecutive turns of the same role are merged first when
// mergeSameRole is set.
func FlattenTurns(turns []Turn, mergeSameRole bool) string {
	var merged []Turn
	for _, t := range turns {
		content := strings.TrimSpace(strings.ReplaceAll(t.Content, "\r\n", "\n"))
		if content == "" {
			continue
		}
		role := strings.TrimSpace(t.Role)
		if mergeSameRole && len(merged) > 0 && merged[len(merged)-1].Role == role {
			merged[len(merged)-1].Content += "\n" + content
			continue
		}
		merged = append(merged, Turn{Role: role, Content: content})
	}

	paragraphs := make([]string, 0, len(merged))
	for _, t := range merged {
		if t.Role == "" {
			paragraphs = append(paragraphs, t.Content)
			continue
		}
		paragraphs = append(paragraphs, t.Role+": "+t.Content)
	}
	return strings.Join(paragraphs, "\n\n")
}

// SplitTurns flattens a transcript and chunks it.
func (c *Chunker) SplitTurns(turns []Turn, mergeSameRole bool) []string {
	return c.Split(FlattenTurns(turns, mergeSameRole))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
