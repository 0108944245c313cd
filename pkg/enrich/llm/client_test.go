package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeBackend struct {
	reply    string
	genErr   error
	embedErr error
	prompts  int
}

func (f *fakeBackend) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.prompts++
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeBackend) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.reply, f.genErr
}

func (f *fakeBackend) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func newTestClient(t *testing.T, b *fakeBackend) *Client {
	c, err := newClient(Config{Backend: "openai"}, b, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

var ec = model.Context{TenantID: "t1", BatchID: "b1", ResourceType: "Patient", ResourceID: "p1"}

func TestEnrich(t *testing.T) {
	b := &fakeBackend{reply: "```json\n{\"summary\":\"adult patient\",\"codes\":[\"I10\"],\"qualityScore\":1.4}\n```"}
	c := newTestClient(t, b)

	res, err := c.Enrich(context.Background(), "t1", []byte(`{"resourceType":"Patient","id":"p1"}`), ec)
	require.NoError(t, err)

	assert.Equal(t, 1.0, res.QualityScore)
	assert.Len(t, res.Embeddings, 1)

	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	assert.Equal(t, "p1", out["id"])
	assert.Equal(t, "adult patient", out["enrichment"].(map[string]interface{})["summary"])
}

func TestEnrichFailures(t *testing.T) {
	tests := []struct {
		name    string
		b       *fakeBackend
		payload string
		kind    failure.Kind
	}{
		{"not an object", &fakeBackend{}, `[1,2]`, failure.Permanent},
		{"model down", &fakeBackend{genErr: errors.New("503")}, `{}`, failure.Transient},
		{"garbled reply", &fakeBackend{reply: "sorry"}, `{}`, failure.Transient},
		{"embedder down", &fakeBackend{reply: `{"summary":"x"}`, embedErr: errors.New("timeout")}, `{}`, failure.Transient},
	}

	for _, v := range tests {
		c := newTestClient(t, v.b)
		_, err := c.Enrich(context.Background(), "t1", []byte(v.payload), ec)
		require.Error(t, err, v.name)
		assert.Equal(t, v.kind, failure.KindOf(err), v.name)
	}
}

func TestNewBackendRejectsUnknown(t *testing.T) {
	_, err := newBackend(Config{Backend: "mystery"})
	assert.Error(t, err)
}
