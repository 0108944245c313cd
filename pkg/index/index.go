package index

import (
	"context"
	"flag"

	"github.com/ValerySidorin/acheron/pkg/index/typesense"
	"github.com/pkg/errors"
)

type Config struct {
	Type      string           `yaml:"type"`
	Typesense typesense.Config `yaml:"typesense"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Typesense.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Type, flagPrefix+"type", "typesense", "Index store backend.")
}

// Store keeps searchable metadata of persisted resources, partitioned by
// tenant. A query never returns documents of another tenant.
type Store interface {
	Upsert(ctx context.Context, tenantID, key string, attrs map[string]interface{}) error
	Query(ctx context.Context, tenantID string, filters map[string]string, limit int) ([]map[string]interface{}, error)
}

func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "typesense":
		return typesense.NewClient(cfg.Typesense)
	}

	return nil, errors.New("invalid index type in config")
}
