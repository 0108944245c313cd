// Package passthrough is an enrichment capability for local runs: it keeps
// the resource as is and scores it by completeness.
package passthrough

import (
	"context"
	"encoding/json"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
)

type Passthrough struct{}

func New() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Enrich(ctx context.Context, tenantID string, payload []byte, ec model.Context) (*model.Result, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "passthrough: decode resource")
	}

	// resourceType and id are always there; anything else counts.
	score := float64(len(fields)-2) / 8
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return &model.Result{Payload: payload, QualityScore: score}, nil
}
