package pipeline

import (
	"flag"
	"time"

	"github.com/ValerySidorin/acheron/pkg/chunker"
	"github.com/ValerySidorin/acheron/pkg/retry"
	"github.com/ValerySidorin/acheron/pkg/worker"
	"github.com/pkg/errors"
)

type StageConfig struct {
	Worker worker.Config `yaml:",inline"`

	OpTimeout time.Duration `yaml:"op_timeout"`
	// ClaimTimeout is how long an item may stay claimed by one worker before
	// a redelivery treats the owner as lost.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	Retry        retry.Policy  `yaml:"retry"`
}

func (c *StageConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet, defaultAttempts int) {
	c.Worker.RegisterFlags(flagPrefix, f)
	c.Retry.RegisterFlags(flagPrefix, f, defaultAttempts)

	f.DurationVar(&c.OpTimeout, flagPrefix+"op-timeout", 30*time.Second, "Timeout of every blocking call made while handling an item.")
	f.DurationVar(&c.ClaimTimeout, flagPrefix+"claim-timeout", 5*time.Minute, "Age of a claim after which a redelivery takes the item over.")
}

func (c *StageConfig) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.OpTimeout <= 0 {
		return errors.New("op timeout must be positive")
	}
	if c.ClaimTimeout < c.OpTimeout {
		return errors.New("claim timeout must not be less than op timeout")
	}
	return nil
}

type ChunkerConfig struct {
	StageConfig `yaml:",inline"`
	Chunker     chunker.Config `yaml:",inline"`
}

func (c *ChunkerConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.StageConfig.RegisterFlags(flagPrefix, f, 3)
	c.Chunker.RegisterFlags(flagPrefix, f)
}

type EnricherConfig struct {
	StageConfig `yaml:",inline"`
	// Items scoring below the threshold are flagged, never rejected.
	QualityThreshold float64 `yaml:"quality_threshold"`
}

func (c *EnricherConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.StageConfig.RegisterFlags(flagPrefix, f, 5)
	f.Float64Var(&c.QualityThreshold, flagPrefix+"quality-threshold", 0.5, "Quality score below which an item is flagged.")
}

func (c *EnricherConfig) Validate() error {
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return errors.New("quality threshold must be within [0, 1]")
	}
	return c.StageConfig.Validate()
}

type PersisterConfig struct {
	StageConfig `yaml:",inline"`
}

func (c *PersisterConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.StageConfig.RegisterFlags(flagPrefix, f, 5)
}

type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Limit      int           `yaml:"limit"`
}

func (c *SweeperConfig) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Interval, flagPrefix+"interval", 30*time.Second, "How often pending dispatches are checked.")
	f.DurationVar(&c.StaleAfter, flagPrefix+"stale-after", time.Minute, "Age of a pending dispatch before it is sent again.")
	f.IntVar(&c.Limit, flagPrefix+"limit", 500, "Pending dispatches sent again per run.")
}

func (c *SweeperConfig) Validate() error {
	if c.Interval <= 0 || c.StaleAfter <= 0 || c.Limit < 1 {
		return errors.New("sweeper: interval, stale after and limit must be positive")
	}
	return nil
}

type Config struct {
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Enricher  EnricherConfig  `yaml:"enricher"`
	Persister PersisterConfig `yaml:"persister"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Chunker.RegisterFlags("chunker.", f)
	c.Enricher.RegisterFlags("enricher.", f)
	c.Persister.RegisterFlags("persister.", f)
	c.Sweeper.RegisterFlags("sweeper.", f)
}

func (c *Config) Validate() error {
	if err := c.Chunker.Validate(); err != nil {
		return errors.Wrap(err, "chunker")
	}
	if err := c.Enricher.Validate(); err != nil {
		return errors.Wrap(err, "enricher")
	}
	if err := c.Persister.Validate(); err != nil {
		return errors.Wrap(err, "persister")
	}
	return c.Sweeper.Validate()
}
