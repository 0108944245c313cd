package nats

import (
	"context"
	"flag"
	"strings"
	"sync"
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Config struct {
	Url       string        `yaml:"url"`
	Stream    string        `yaml:"stream"`
	Subjects  []string      `yaml:"subjects"`
	AckWait   time.Duration `yaml:"ack_wait"`
	FetchWait time.Duration `yaml:"fetch_wait"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Url, flagPrefix+"nats.url", nats.DefaultURL, "NATS server url.")
	f.StringVar(&c.Stream, flagPrefix+"nats.stream", "ACHERON", "JetStream stream holding pipeline subjects.")
	f.DurationVar(&c.AckWait, flagPrefix+"nats.ack-wait", 30*time.Second, "Visibility timeout of a fetched message.")
	f.DurationVar(&c.FetchWait, flagPrefix+"nats.fetch-wait", 2*time.Second, "How long a fetch waits for messages.")
}

type NatsClient struct {
	cfg Config
	log log.Logger

	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNatsClient(cfg Config, log log.Logger) (*NatsClient, error) {
	conn, err := nats.Connect(cfg.Url)
	if err != nil {
		return nil, errors.Wrap(err, "initialize nats connection")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initialize jetstream context")
	}

	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{"acheron.>"}
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, errors.Wrap(err, "nats stream info")
		}

		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  subjects,
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "nats add stream")
		}
	}

	return &NatsClient{
		cfg:  cfg,
		log:  log,
		conn: conn,
		js:   js,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func (n *NatsClient) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	if _, err := n.js.Publish(topic, raw, nats.Context(ctx), nats.MsgId(topic+"|"+env.Key())); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	return nil
}

func (n *NatsClient) Fetch(ctx context.Context, topic string, max int) ([]message.Delivery, error) {
	sub, err := n.subscription(topic)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, n.cfg.FetchWait)
	defer cancel()

	msgs, err := sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "nats fetch")
	}

	res := make([]message.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		env, err := message.Decode(msg.Data)
		if err != nil {
			_ = level.Error(n.log).Log("msg", "dropping undecodable message", "subject", msg.Subject, "err", err.Error())
			_ = msg.Term()
			continue
		}

		numDelivered := 1
		if meta, err := msg.Metadata(); err == nil {
			numDelivered = int(meta.NumDelivered)
		}

		res = append(res, &delivery{msg: msg, env: env, numDelivered: numDelivered})
	}

	return res, nil
}

func (n *NatsClient) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		_ = sub.Drain()
	}
	n.conn.Close()
	return nil
}

func (n *NatsClient) subscription(topic string) (*nats.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subs[topic]; ok {
		return sub, nil
	}

	durable := strings.ReplaceAll(topic, ".", "_")
	sub, err := n.js.PullSubscribe(topic, durable,
		nats.AckWait(n.cfg.AckWait),
		nats.ManualAck(),
		nats.BindStream(n.cfg.Stream))
	if err != nil {
		return nil, errors.Wrap(err, "nats pull subscribe")
	}

	n.subs[topic] = sub
	return sub, nil
}

type delivery struct {
	msg          *nats.Msg
	env          *message.Envelope
	numDelivered int
}

func (d *delivery) Envelope() *message.Envelope {
	return d.env
}

func (d *delivery) NumDelivered() int {
	return d.numDelivered
}

func (d *delivery) InProgress(ctx context.Context) error {
	return errors.Wrap(d.msg.InProgress(), "nats in progress")
}

func (d *delivery) Ack(ctx context.Context) error {
	return errors.Wrap(d.msg.Ack(), "nats ack")
}

func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		return errors.Wrap(d.msg.NakWithDelay(delay), "nats nak")
	}
	return errors.Wrap(d.msg.Nak(), "nats nak")
}

func (d *delivery) Term(ctx context.Context) error {
	return errors.Wrap(d.msg.Term(), "nats term")
}
