package llm

import (
	"context"
	"encoding/json"
	"flag"
	"strings"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

type Config struct {
	Backend        string  `yaml:"backend"`
	URL            string  `yaml:"url"`
	Token          string  `yaml:"token"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	Temperature    float64 `yaml:"temperature"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Backend, flagPrefix+"llm.backend", "openai", "LLM backend: openai or ollama.")
	f.StringVar(&c.URL, flagPrefix+"llm.url", "", "Base URL of the model server.")
	f.StringVar(&c.Token, flagPrefix+"llm.token", "none", "API token. Local OpenAI-compatible servers accept any value.")
	f.StringVar(&c.Model, flagPrefix+"llm.model", "", "Chat model used to annotate resources.")
	f.StringVar(&c.EmbeddingModel, flagPrefix+"llm.embedding-model", "", "Model used for embeddings.")
	f.Float64Var(&c.Temperature, flagPrefix+"llm.temperature", 0, "Sampling temperature.")
}

// backend is what both langchaingo clients provide.
type backend interface {
	llms.Model
	embeddings.EmbedderClient
}

const systemPrompt = `You review clinical resources for a data warehouse.
Reply with a JSON object with these fields:
"summary": one sentence describing the resource,
"codes": list of clinical codes referenced by the resource,
"qualityScore": number between 0 and 1 rating completeness and consistency.`

type annotation struct {
	Summary      string   `json:"summary"`
	Codes        []string `json:"codes"`
	QualityScore float64  `json:"qualityScore"`
}

type Client struct {
	cfg      Config
	log      log.Logger
	model    llms.Model
	embedder embeddings.Embedder
}

func NewClient(cfg Config, log log.Logger) (*Client, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, b, log)
}

func newBackend(cfg Config) (backend, error) {
	switch cfg.Backend {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.Token),
			openai.WithModel(cfg.Model),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.URL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.URL))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.URL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.URL))
		}
		return ollama.New(opts...)
	}

	return nil, errors.New("invalid llm backend in config")
}

func newClient(cfg Config, b backend, log log.Logger) (*Client, error) {
	e, err := embeddings.NewEmbedder(b, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, errors.Wrap(err, "llm: create embedder")
	}

	return &Client{
		cfg:      cfg,
		log:      log,
		model:    b,
		embedder: e,
	}, nil
}

func (c *Client) Enrich(ctx context.Context, tenantID string, payload []byte, ec model.Context) (*model.Result, error) {
	resource := map[string]interface{}{}
	if err := json.Unmarshal(payload, &resource); err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "llm: resource is not a json object")
	}

	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, string(payload)),
	}

	resp, err := c.model.GenerateContent(ctx, content,
		llms.WithTemperature(c.cfg.Temperature),
		llms.WithJSONMode())
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "llm: generate")
	}
	if len(resp.Choices) == 0 {
		return nil, failure.New(failure.Transient, "llm: no choices returned")
	}

	a := annotation{}
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Content)), &a); err != nil {
		_ = level.Warn(c.log).Log("msg", "malformed model reply", "tenant", tenantID,
			"resource", ec.ResourceType+"/"+ec.ResourceID, "err", err)
		return nil, failure.Wrap(failure.Transient, err, "llm: decode reply")
	}

	vectors, err := c.embedder.EmbedDocuments(ctx, []string{a.Summary})
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "llm: embed")
	}

	resource["enrichment"] = map[string]interface{}{
		"summary": a.Summary,
		"codes":   a.Codes,
	}
	out, err := json.Marshal(resource)
	if err != nil {
		return nil, failure.Wrap(failure.Permanent, err, "llm: encode resource")
	}

	return &model.Result{
		Payload:      out,
		QualityScore: clamp(a.QualityScore),
		Embeddings:   vectors,
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
