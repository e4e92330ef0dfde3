package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

// chunkNamespace derives stable chunk IDs from document ID and position.
var chunkNamespace = uuid.MustParse("6f1c2a9e-5d43-4b8e-9a1f-3c7e2b0d8a54")

// SplitterConfig configures chunking. Sizes are in characters.
type SplitterConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// ApplyDefaults sets default values for unset fields.
func (c *SplitterConfig) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
}

// Validate validates the configuration.
func (c SplitterConfig) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Splitter cuts document text into overlapping chunks.
type Splitter struct {
	config   SplitterConfig
	splitter textsplitter.RecursiveCharacter
	counter  TokenCounter
}

// NewSplitter creates a Splitter. A nil counter uses the Estimator.
func NewSplitter(config SplitterConfig, counter TokenCounter) (*Splitter, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating splitter config: %w", err)
	}
	if counter == nil {
		counter = Estimator{}
	}
	return &Splitter{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
		counter: counter,
	}, nil
}

// Split cuts content into chunks of documentID. StartChar and EndChar are
// rune offsets into content, located by searching forward from the
// previous chunk. Chunk IDs are derived from documentID and chunk index.
func (s *Splitter) Split(documentID, content string) ([]vectorstore.Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyDocument
	}
	pieces, err := s.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	chunks := make([]vectorstore.Chunk, 0, len(pieces))
	searchFrom := 0 // byte offset
	lastEnd := 0
	for _, piece := range pieces {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		start, ok := locate(content, piece, searchFrom)
		if !ok {
			start = lastEnd
		} else {
			searchFrom = start + 1
			lastEnd = start + len(piece)
		}

		startChar := utf8.RuneCountInString(content[:min(start, len(content))])
		index := len(chunks)
		chunks = append(chunks, vectorstore.Chunk{
			ID:         uuid.NewSHA1(chunkNamespace, []byte(documentID+"/"+strconv.Itoa(index))).String(),
			Content:    piece,
			DocumentID: documentID,
			Index:      index,
			StartChar:  startChar,
			EndChar:    startChar + utf8.RuneCountInString(piece),
			TokenCount: s.counter.Count(piece),
			Metadata:   metadata.Record{},
		})
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	return chunks, nil
}

// locate returns the byte offset of piece in content at or after from,
// falling back to a search from the beginning.
func locate(content, piece string, from int) (int, bool) {
	if from < len(content) {
		if i := strings.Index(content[from:], piece); i >= 0 {
			return from + i, true
		}
	}
	if i := strings.Index(content, piece); i >= 0 {
		return i, true
	}
	return 0, false
}
