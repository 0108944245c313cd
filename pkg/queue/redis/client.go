package redis

import (
	"context"
	"flag"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	envelopeField = "envelope"
	// deliveredField carries deliveries made before a delayed nack, which
	// re-adds the message under a new id with a fresh pending count.
	deliveredField = "delivered"
	delayedSuffix  = ":delayed"
)

type Config struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	Group             string        `yaml:"group"`
	Consumer          string        `yaml:"consumer"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	BlockFor          time.Duration `yaml:"block_for"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Addr, flagPrefix+"redis.addr", "localhost:6379", "Redis address.")
	f.StringVar(&c.Password, flagPrefix+"redis.password", "", "Redis password.")
	f.IntVar(&c.DB, flagPrefix+"redis.db", 0, "Redis database.")
	f.StringVar(&c.Group, flagPrefix+"redis.group", "acheron", "Consumer group shared by all workers of a stage.")
	f.StringVar(&c.Consumer, flagPrefix+"redis.consumer", "", "Consumer name, unique per process. Defaults to the hostname.")
	f.DurationVar(&c.VisibilityTimeout, flagPrefix+"redis.visibility-timeout", 30*time.Second, "Idle time after which a pending message is claimed by another consumer.")
	f.DurationVar(&c.BlockFor, flagPrefix+"redis.block-for", 2*time.Second, "How long a read blocks waiting for messages.")
}

// RedisClient implements the queue on Redis streams with one consumer group
// per topic. Delayed redeliveries wait in a sorted set next to the stream.
type RedisClient struct {
	cfg    Config
	log    log.Logger
	client *redis.Client

	mu     sync.Mutex
	groups map[string]struct{}
}

func NewRedisClient(cfg Config, log log.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "connect to redis")
	}

	return newRedisClient(cfg, client, log), nil
}

func newRedisClient(cfg Config, client *redis.Client, log log.Logger) *RedisClient {
	return &RedisClient{
		cfg:    cfg,
		log:    log,
		client: client,
		groups: make(map[string]struct{}),
	}
}

func (r *RedisClient) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{envelopeField: raw},
	}).Err(); err != nil {
		return errors.Wrap(err, "redis xadd")
	}

	return nil
}

func (r *RedisClient) Fetch(ctx context.Context, topic string, max int) ([]message.Delivery, error) {
	if err := r.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	if err := r.promoteDelayed(ctx, topic); err != nil {
		return nil, err
	}

	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "redis xautoclaim")
	}

	if len(msgs) < max {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(max - len(msgs)),
			Block:    r.cfg.BlockFor,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "redis xreadgroup")
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}

	res := make([]message.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		earlier := 0
		if v, ok := msg.Values[deliveredField].(string); ok {
			earlier, _ = strconv.Atoi(v)
		}
		d := &delivery{client: r, topic: topic, id: msg.ID, numDelivered: earlier + 1}

		raw, _ := msg.Values[envelopeField].(string)
		env, err := message.Decode([]byte(raw))
		if err != nil {
			_ = level.Error(r.log).Log("msg", "dropping undecodable message", "stream", topic, "id", msg.ID, "err", err.Error())
			_ = d.Term(ctx)
			continue
		}
		d.env = env
		d.raw = raw

		pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  r.cfg.Group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		}).Result()
		if err == nil && len(pending) == 1 {
			d.numDelivered = earlier + int(pending[0].RetryCount)
		}

		res = append(res, d)
	}

	return res, nil
}

func (r *RedisClient) Close() error {
	return errors.Wrap(r.client.Close(), "close redis")
}

func (r *RedisClient) ensureGroup(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[topic]; ok {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, topic, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "redis xgroup create")
	}

	r.groups[topic] = struct{}{}
	return nil
}

// promoteDelayed moves delayed messages that became due back to the stream.
func (r *RedisClient) promoteDelayed(ctx context.Context, topic string) error {
	key := topic + delayedSuffix
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return errors.Wrap(err, "redis zrangebyscore")
	}

	for _, member := range due {
		removed, err := r.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return errors.Wrap(err, "redis zrem")
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}
		delivered, raw := parseDelayed(member)
		if err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]interface{}{envelopeField: raw, deliveredField: delivered},
		}).Err(); err != nil {
			return errors.Wrap(err, "redis xadd")
		}
	}

	return nil
}

// delayedMember prefixes the envelope with the deliveries it already had.
// The prefix keeps two delayed copies of one envelope apart as well.
func delayedMember(delivered int, raw string) string {
	return strconv.Itoa(delivered) + "|" + raw
}

func parseDelayed(member string) (int, string) {
	prefix, raw, ok := strings.Cut(member, "|")
	if !ok {
		return 0, member
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, member
	}
	return n, raw
}

type delivery struct {
	client       *RedisClient
	topic        string
	id           string
	raw          string
	env          *message.Envelope
	numDelivered int
}

func (d *delivery) Envelope() *message.Envelope {
	return d.env
}

func (d *delivery) NumDelivered() int {
	return d.numDelivered
}

// InProgress re-claims the pending entry for its owner, which resets its
// idle time without counting a delivery.
func (d *delivery) InProgress(ctx context.Context) error {
	err := d.client.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.topic,
		Group:    d.client.cfg.Group,
		Consumer: d.client.cfg.Consumer,
		MinIdle:  0,
		Messages: []string{d.id},
	}).Err()
	return errors.Wrap(err, "redis in progress")
}

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.client.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, d.topic, d.client.cfg.Group, d.id)
		p.XDel(ctx, d.topic, d.id)
		return nil
	})
	return errors.Wrap(err, "redis ack")
}

// Nack without a delay leaves the message pending until the visibility
// timeout hands it to a consumer again.
func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	_, err := d.client.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, d.topic+delayedSuffix, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: delayedMember(d.numDelivered, d.raw),
		})
		p.XAck(ctx, d.topic, d.client.cfg.Group, d.id)
		p.XDel(ctx, d.topic, d.id)
		return nil
	})
	return errors.Wrap(err, "redis nack")
}

func (d *delivery) Term(ctx context.Context) error {
	return d.Ack(ctx)
}
