package http

// IngestRequest is the body of POST /api/v1/documents. Exactly one of
// Path and Content is set. A document_id in Metadata replaces that
// document.
type IngestRequest struct {
	Path     string         `json:"path,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestResponse is returned with 201 Created.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
}

// DeleteResponse is returned by DELETE /api/v1/documents/:id, with 404
// when nothing was stored under the ID.
type DeleteResponse struct {
	DocumentID string `json:"document_id"`
	Deleted    bool   `json:"deleted"`
}
