// Package chunk splits source documents into indexable chunks. Chunk
// identities are deterministic functions of the document id and chunk
// ordinal, so re-adding an unchanged document produces identical rows.
package chunk

import (
	"fmt"
	"strings"

	"github.com/localdb-dev/localdb/internal/store"
)

// DefaultMaxChunkLen is the chunk size bound in runes. Paragraphs are
// packed up to this bound; a single oversized paragraph is hard-split.
const DefaultMaxChunkLen = 2000

// Options configures the chunker.
type Options struct {
	// MaxChunkLen bounds chunk size in runes. Values <= 0 select the
	// default.
	MaxChunkLen int
}

// Chunker splits text content on paragraph boundaries.
type Chunker struct {
	maxLen int
}

// NewChunker creates a chunker.
func NewChunker(opts Options) *Chunker {
	maxLen := opts.MaxChunkLen
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}
	return &Chunker{maxLen: maxLen}
}

// Chunk splits content into chunks for the given document. Empty and
// whitespace-only content yields no chunks.
func (c *Chunker) Chunk(docID, docPath, category, content string) []*store.Chunk {
	pieces := c.split(content)
	if len(pieces) == 0 {
		return nil
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, piece := range pieces {
		id := fmt.Sprintf("%s#%d", docID, i)
		chunks[i] = store.NewChunk(id, docID, docPath, category, piece, i, len(pieces))
	}
	return chunks
}

// split packs paragraphs into pieces of at most maxLen runes.
func (c *Chunker) split(content string) []string {
	var pieces []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if text := strings.TrimSpace(current.String()); text != "" {
			pieces = append(pieces, text)
		}
		current.Reset()
		currentLen = 0
	}

	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		runes := []rune(para)

		// Hard-split paragraphs that exceed the bound on their own.
		for len(runes) > c.maxLen {
			flush()
			pieces = append(pieces, strings.TrimSpace(string(runes[:c.maxLen])))
			runes = runes[c.maxLen:]
		}
		if len(runes) == 0 {
			continue
		}

		if currentLen > 0 && currentLen+len(runes)+2 > c.maxLen {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(string(runes))
		currentLen += len(runes)
	}
	flush()
	return pieces
}
