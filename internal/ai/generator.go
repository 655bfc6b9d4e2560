package ai

import "context"

// Request is a single generation call.
type Request struct {
	System          string
	Prompt          string
	MaxOutputTokens int
	// JSON asks the backend for a JSON object response where it supports that.
	JSON bool
}

// Generator produces text from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Provider() string
	Model() string
}

// Purpose tells an embedder how the vectors will be used.
type Purpose int

const (
	PurposeQuery Purpose = iota
	PurposeDocument
)

// Embedder turns texts into vectors, one per input and in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, purpose Purpose) ([][]float32, error)
	EmbeddingModel() string
}
