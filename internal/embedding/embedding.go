package embedding

import "context"

// Embedder is the capability boundary for producing fixed-dimension vectors.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns a vector for the given text
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch returns one vector per input, in order
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	// Dimension reports the vector width, 0 if not yet known
	Dimension() int
	// Available probes whether the backend is reachable
	Available(ctx context.Context) bool
}
