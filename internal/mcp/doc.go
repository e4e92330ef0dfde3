// Package mcp exposes the recall session as Model Context Protocol tools.
//
// Tools:
//
//   - context_search: tiered context selection for a query
//   - document_ingest: index a file path or inline text
//   - document_delete: remove a document by ID
//   - index_stats: index and embedding counters
//
// The server speaks MCP over stdio, so nothing else may write to stdout
// while it runs. Logs go to stderr.
package mcp
