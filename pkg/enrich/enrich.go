package enrich

import (
	"context"
	"flag"

	"github.com/ValerySidorin/acheron/pkg/enrich/http"
	"github.com/ValerySidorin/acheron/pkg/enrich/llm"
	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/enrich/passthrough"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Type string      `yaml:"type"`
	HTTP http.Config `yaml:"http"`
	LLM  llm.Config  `yaml:"llm"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.HTTP.RegisterFlags(flagPrefix, f)
	c.LLM.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Type, flagPrefix+"type", "http", "Enrichment capability: http, llm or passthrough.")
}

// Capability derives clinical context for one resource. Errors are
// classified with the failure package: transient errors are retried,
// anything else fails the item.
type Capability interface {
	Enrich(ctx context.Context, tenantID string, payload []byte, ec model.Context) (*model.Result, error)
}

func New(cfg Config, log log.Logger) (Capability, error) {
	switch cfg.Type {
	case "http":
		return http.NewClient(cfg.HTTP, log)
	case "llm":
		return llm.NewClient(cfg.LLM, log)
	case "passthrough":
		return passthrough.New(), nil
	}

	return nil, errors.New("invalid enrichment type in config")
}
