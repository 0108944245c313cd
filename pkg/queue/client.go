package queue

import (
	"context"
	"flag"
	"os"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/queue/nats"
	"github.com/ValerySidorin/acheron/pkg/queue/redis"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Type  string       `yaml:"type"`
	Nats  nats.Config  `yaml:"nats"`
	Redis redis.Config `yaml:"redis"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Nats.RegisterFlags(flagPrefix, f)
	c.Redis.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Type, flagPrefix+"type", "nats", "Queue transport: nats or redis.")
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env *message.Envelope) error
}

type Subscriber interface {
	// Fetch returns at most max deliveries. An empty result with a nil error
	// means nothing was available before the transport's wait elapsed.
	Fetch(ctx context.Context, topic string, max int) ([]message.Delivery, error)
}

type Client interface {
	Publisher
	Subscriber
	Close() error
}

func New(cfg Config, log log.Logger) (Client, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewNatsClient(cfg.Nats, log)
	case "redis":
		if cfg.Redis.Consumer == "" {
			host, err := os.Hostname()
			if err != nil {
				return nil, errors.Wrap(err, "resolve redis consumer name")
			}
			cfg.Redis.Consumer = host
		}
		return redis.NewRedisClient(cfg.Redis, log)
	default:
		return nil, errors.New("invalid queue type")
	}
}
