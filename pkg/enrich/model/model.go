package model

// Context identifies the resource being enriched.
type Context struct {
	TenantID     string
	BatchID      string
	ResourceType string
	ResourceID   string
}

type Result struct {
	Payload      []byte
	QualityScore float64
	Embeddings   [][]float32
}
