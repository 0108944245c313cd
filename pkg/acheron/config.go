package acheron

import (
	"flag"
	"os"

	"github.com/ValerySidorin/acheron/pkg/api"
	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/enrich"
	"github.com/ValerySidorin/acheron/pkg/fetcher"
	"github.com/ValerySidorin/acheron/pkg/index"
	"github.com/ValerySidorin/acheron/pkg/pipeline"
	"github.com/ValerySidorin/acheron/pkg/queue"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	util_log "github.com/ValerySidorin/acheron/pkg/util/log"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Target flagext.StringSliceCSV `yaml:"target"`

	Log        util_log.Config  `yaml:"log"`
	Server     api.Config       `yaml:"server"`
	Queue      queue.Config     `yaml:"queue"`
	BlobStore  blobstore.Config `yaml:"blob_store"`
	Index      index.Config     `yaml:"index"`
	Tracker    tracker.Config   `yaml:"tracker"`
	Enrichment enrich.Config    `yaml:"enrichment"`
	Fetcher    fetcher.Config   `yaml:"fetcher"`

	Pipeline pipeline.Config `yaml:",inline"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Target = []string{All}
	f.Var(&c.Target, "target", "Comma-separated modules to run: chunker, enricher, persister, sweeper, api or all.")

	c.Log.RegisterFlags(f)
	c.Server.RegisterFlags("server.", f)
	c.Queue.RegisterFlags("queue.", f)
	c.BlobStore.RegisterFlags("blob-store.", f)
	c.Index.RegisterFlags("index.", f)
	c.Tracker.RegisterFlags("tracker.", f)
	c.Enrichment.RegisterFlags("enrichment.", f)
	c.Fetcher.RegisterFlags("fetcher.", f)
	c.Pipeline.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if len(c.Target) == 0 {
		return errors.New("no target in config")
	}
	if unknown := lo.Without(c.Target, targets...); len(unknown) > 0 {
		return errors.Errorf("invalid target in config: %v", unknown)
	}
	return c.Pipeline.Validate()
}

// LoadConfig reads a YAML file over the flag defaults in cfg. Environment
// references such as ${MINIO_PASSWORD} are expanded first.
func LoadConfig(filename string, cfg *Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if err := yaml.UnmarshalStrict([]byte(os.ExpandEnv(string(buf))), cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", filename)
	}
	return nil
}
