package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/recall/internal/session"
)

type searchInput struct {
	Query           string         `json:"query" jsonschema:"Natural language query to find relevant context for"`
	ConversationID  string         `json:"conversation_id,omitempty" jsonschema:"Conversation whose uploads are searched first"`
	TopK            int            `json:"top_k,omitempty" jsonschema:"Maximum number of results (default from config)"`
	MaxTokens       int            `json:"max_tokens,omitempty" jsonschema:"Token budget for the assembled context text"`
	Filters         map[string]any `json:"filters,omitempty" jsonschema:"Metadata equality filters; array values match any element"`
	StrictIsolation bool           `json:"strict_isolation,omitempty" jsonschema:"Never fall back to documents outside the conversation"`
	RecentUploads   bool           `json:"recent_uploads,omitempty" jsonschema:"Prefer documents uploaded in the recent window"`
}

type searchResult struct {
	ChunkID    string         `json:"chunk_id" jsonschema:"Chunk identifier"`
	DocumentID string         `json:"document_id" jsonschema:"Document the chunk belongs to"`
	Content    string         `json:"content" jsonschema:"Chunk text"`
	Score      float64        `json:"score" jsonschema:"Similarity score"`
	Tier       string         `json:"tier" jsonschema:"Retrieval tier that found the chunk"`
	Metadata   map[string]any `json:"metadata" jsonschema:"Chunk metadata"`
}

type searchOutput struct {
	Results        []searchResult `json:"results" jsonschema:"Selected chunks, best first"`
	Count          int            `json:"count" jsonschema:"Number of results"`
	ContextText    string         `json:"context_text" jsonschema:"Results assembled into prompt-ready text with source headers"`
	TiersAttempted []string       `json:"tiers_attempted" jsonschema:"Tiers tried, in order"`
	ServedBy       string         `json:"served_by" jsonschema:"Store that answered: primary or fallback"`
}

type ingestInput struct {
	Path     string         `json:"path,omitempty" jsonschema:"File to index (txt, md, html, csv, json, log)"`
	Content  string         `json:"content,omitempty" jsonschema:"Inline text to index instead of a file"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Extra metadata; conversation_id scopes the document, document_id replaces an existing one"`
}

type ingestOutput struct {
	DocumentID string `json:"document_id" jsonschema:"ID of the indexed document"`
}

type deleteInput struct {
	DocumentID string `json:"document_id" jsonschema:"Document to remove"`
}

type deleteOutput struct {
	DocumentID string `json:"document_id" jsonschema:"Requested document ID"`
	Deleted    bool   `json:"deleted" jsonschema:"Whether any chunks were removed"`
}

type statsInput struct{}

type statsOutput struct {
	DocumentsIndexed     int     `json:"documents_indexed"`
	ChunksIndexed        int     `json:"chunks_indexed"`
	ConversationsTracked int     `json:"conversations_tracked"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	FallbackEmbeddings   int64   `json:"fallback_embeddings"`
	Backend              string  `json:"backend"`
	State                string  `json:"state"`
	ServedBy             string  `json:"served_by"`
	Dimension            int     `json:"dimension"`
	EmbeddingModel       string  `json:"embedding_model"`
	StorageDir           string  `json:"storage_dir,omitempty"`
	LastUpdated          string  `json:"last_updated,omitempty" jsonschema:"RFC 3339 time of the last write"`
	SalvageMode          string  `json:"salvage_mode,omitempty" jsonschema:"How the index was recovered at startup, if it was"`
}

var (
	errQueryRequired    = errors.New("query is required")
	errIngestSource     = errors.New("exactly one of path or content is required")
	errDocumentRequired = errors.New("document_id is required")
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "context_search",
		Description: "Find context relevant to a query. Searches the conversation's uploads first, then recent and global documents, and returns the chunks plus prompt-ready context text.",
	}, instrument(s, "context_search", s.contextSearch))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "document_ingest",
		Description: "Index a document from a file path or inline content. Secrets are redacted before indexing. Re-ingesting the same path replaces the previous version.",
	}, instrument(s, "document_ingest", s.documentIngest))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "document_delete",
		Description: "Remove every chunk of a document by ID.",
	}, instrument(s, "document_delete", s.documentDelete))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_stats",
		Description: "Report index size, embedding cache hit rate and which store is serving.",
	}, instrument(s, "index_stats", s.indexStats))
}

func (s *Server) contextSearch(ctx context.Context, _ *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, searchOutput, error) {
	if in.Query == "" {
		return nil, searchOutput{}, errQueryRequired
	}
	res, err := s.service.Query(ctx, session.QueryRequest{
		Text:            in.Query,
		TopK:            in.TopK,
		ConversationID:  in.ConversationID,
		Filters:         in.Filters,
		MaxTokens:       in.MaxTokens,
		StrictIsolation: in.StrictIsolation,
		RecentUploads:   in.RecentUploads,
	})
	if err != nil {
		return nil, searchOutput{}, err
	}

	out := searchOutput{
		Results:        make([]searchResult, 0, len(res.Sources)),
		Count:          len(res.Sources),
		ContextText:    res.ContextText,
		TiersAttempted: make([]string, 0, len(res.Trace.TiersAttempted)),
		ServedBy:       res.ServedBy,
	}
	for _, r := range res.Sources {
		out.Results = append(out.Results, searchResult{
			ChunkID:    r.ChunkID,
			DocumentID: r.Metadata.DocumentID(),
			Content:    r.Content,
			Score:      float64(r.Score),
			Tier:       string(r.Tier),
			Metadata:   r.Metadata.ToMap(),
		})
	}
	for _, t := range res.Trace.TiersAttempted {
		out.TiersAttempted = append(out.TiersAttempted, string(t))
	}
	return nil, out, nil
}

func (s *Server) documentIngest(ctx context.Context, _ *mcp.CallToolRequest, in ingestInput) (*mcp.CallToolResult, ingestOutput, error) {
	if (in.Path == "") == (in.Content == "") {
		return nil, ingestOutput{}, errIngestSource
	}
	var (
		id  string
		err error
	)
	if in.Path != "" {
		id, err = s.service.IngestDocument(ctx, in.Path, in.Metadata)
	} else {
		id, err = s.service.IngestText(ctx, in.Content, in.Metadata)
	}
	if err != nil {
		return nil, ingestOutput{}, err
	}
	return nil, ingestOutput{DocumentID: id}, nil
}

func (s *Server) documentDelete(ctx context.Context, _ *mcp.CallToolRequest, in deleteInput) (*mcp.CallToolResult, deleteOutput, error) {
	if in.DocumentID == "" {
		return nil, deleteOutput{}, errDocumentRequired
	}
	deleted, err := s.service.DeleteDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, deleteOutput{}, err
	}
	return nil, deleteOutput{DocumentID: in.DocumentID, Deleted: deleted}, nil
}

func (s *Server) indexStats(ctx context.Context, _ *mcp.CallToolRequest, _ statsInput) (*mcp.CallToolResult, statsOutput, error) {
	st, err := s.service.GetStats(ctx)
	if err != nil {
		return nil, statsOutput{}, err
	}
	out := statsOutput{
		DocumentsIndexed:     st.DocumentsIndexed,
		ChunksIndexed:        st.ChunksIndexed,
		ConversationsTracked: st.ConversationsTracked,
		CacheHitRate:         st.CacheHitRate,
		FallbackEmbeddings:   st.FallbackEmbeddings,
		Backend:              st.Backend,
		State:                st.State,
		ServedBy:             st.ServedBy,
		Dimension:            st.Dimension,
		EmbeddingModel:       st.EmbeddingModel,
		StorageDir:           st.StorageDir,
	}
	if !st.LastUpdated.IsZero() {
		out.LastUpdated = st.LastUpdated.UTC().Format(time.RFC3339)
	}
	if st.Salvage != nil {
		out.SalvageMode = st.Salvage.Mode
	}
	return nil, out, nil
}
