package passthrough

import (
	"context"
	"testing"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrich(t *testing.T) {
	p := New()
	ctx := context.Background()

	tests := []struct {
		payload string
		score   float64
	}{
		{`{"resourceType":"Patient","id":"p1"}`, 0},
		{`{"resourceType":"Patient","id":"p1","name":[],"gender":"female"}`, 0.25},
		{`{"resourceType":"Patient","id":"p1","a":1,"b":1,"c":1,"d":1,"e":1,"f":1,"g":1,"h":1,"i":1}`, 1},
	}
	for _, v := range tests {
		res, err := p.Enrich(ctx, "t1", []byte(v.payload), model.Context{})
		require.NoError(t, err)
		assert.Equal(t, v.score, res.QualityScore, v.payload)
		assert.Equal(t, v.payload, string(res.Payload))
	}

	_, err := p.Enrich(ctx, "t1", []byte(`[1,2]`), model.Context{})
	assert.True(t, failure.Is(err, failure.Permanent))
}
