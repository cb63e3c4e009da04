package embedding

import (
	"regexp"
	"strings"

	"github.com/moolen/loom/internal/schema"
)

var (
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s`)
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	sentenceRe  = regexp.MustCompile(`(?s)(.*?[.!?])(?:\s+|$)`)
)

// Chunk splits text according to the chunking settings and packs the pieces
// into chunks of at most MaxTokens tokens with Overlap tokens carried between
// consecutive chunks. Token counts are approximated by whitespace-separated
// words. The by_fields strategy does not go through Chunk; callers embed each
// field separately.
func Chunk(c schema.Chunking, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var units []string
	switch c.Strategy {
	case schema.ChunkByHeadings:
		units = splitByHeadings(text)
	case schema.ChunkSentence:
		units = splitSentences(text)
	case schema.ChunkParagraph:
		units = splitParagraphs(text)
	default:
		units = []string{text}
	}

	return pack(units, c.MaxTokens, c.Overlap)
}

func splitByHeadings(text string) []string {
	indexes := headingRe.FindAllStringIndex(text, -1)
	if len(indexes) == 0 {
		return []string{text}
	}

	var out []string
	prev := 0
	for _, idx := range indexes {
		if idx[0] > prev {
			if s := strings.TrimSpace(text[prev:idx[0]]); s != "" {
				out = append(out, s)
			}
		}
		prev = idx[0]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitSentences(text string) []string {
	matches := sentenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	out := make([]string, 0, len(matches))
	consumed := 0
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
		consumed += len(m[0])
	}
	// Trailing text without sentence punctuation.
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// pack greedily fills chunks with whole units up to maxTokens, preferring to
// break at unit boundaries; units longer than maxTokens are hard-split on
// word boundaries. Each chunk starts with the last overlap tokens of the
// previous one.
func pack(units []string, maxTokens, overlap int) []string {
	if maxTokens <= 0 {
		return units
	}
	if overlap >= maxTokens {
		overlap = maxTokens - 1
	}

	var chunks []string
	var cur []string
	fresh := 0 // words added since the last flush

	flush := func() {
		chunks = append(chunks, strings.Join(cur, " "))
		if overlap > 0 && overlap < len(cur) {
			cur = append([]string(nil), cur[len(cur)-overlap:]...)
		} else {
			cur = nil
		}
		fresh = 0
	}

	for _, u := range units {
		words := strings.Fields(u)
		if len(words) == 0 {
			continue
		}
		if len(cur)+len(words) > maxTokens && fresh > 0 {
			flush()
		}
		for len(cur)+len(words) > maxTokens {
			take := maxTokens - len(cur)
			cur = append(cur, words[:take]...)
			fresh += take
			flush()
			words = words[take:]
		}
		cur = append(cur, words...)
		fresh += len(words)
	}
	if fresh > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}
