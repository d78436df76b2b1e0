// Package retrieval fetches reference passages (legislation, audit guides) that
// give the reasoning stage context about an invoice.
package retrieval

import "context"

// Passage is one retrieved text chunk.
type Passage struct {
	Content string            `json:"content"`
	Source  string            `json:"source,omitempty"`
	Score   float64           `json:"score"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// Retriever returns up to k passages relevant to query. An empty result is not
// an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}
