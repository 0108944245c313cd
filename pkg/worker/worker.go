// Package worker pulls deliveries of one stage topic and runs them through
// a bounded pool.
package worker

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

type Config struct {
	MaxInFlight     int           `yaml:"max_in_flight"`
	FetchBatch      int           `yaml:"fetch_batch"`
	DeliveryCeiling int           `yaml:"delivery_ceiling"`
	NackDelay       time.Duration `yaml:"nack_delay"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	// HeartbeatInterval must stay below the visibility timeout of the
	// queue, or long handlers get redelivered while they run.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.IntVar(&c.MaxInFlight, flagPrefix+"max-in-flight", 16, "Deliveries handled at the same time.")
	f.IntVar(&c.FetchBatch, flagPrefix+"fetch-batch", 16, "Deliveries requested from the queue at once.")
	f.IntVar(&c.DeliveryCeiling, flagPrefix+"delivery-ceiling", 10, "Deliveries of one message before it is moved to the dead-letter topic. 0 disables the ceiling.")
	f.DurationVar(&c.NackDelay, flagPrefix+"nack-delay", 5*time.Second, "Redelivery delay of a message whose handling failed.")
	f.DurationVar(&c.DrainTimeout, flagPrefix+"drain-timeout", 30*time.Second, "Time in-flight deliveries get to finish on shutdown.")
	f.DurationVar(&c.HeartbeatInterval, flagPrefix+"heartbeat-interval", 10*time.Second, "How often a delivery being handled is reported in progress to the queue. 0 disables it.")
}

func (c *Config) Validate() error {
	if c.MaxInFlight < 1 {
		return errors.New("worker: max in flight must be positive")
	}
	if c.FetchBatch < 1 {
		return errors.New("worker: fetch batch must be positive")
	}
	if c.DeliveryCeiling < 0 {
		return errors.New("worker: delivery ceiling must not be negative")
	}
	// A crashed owner costs one delivery and the deferred one after it;
	// the takeover needs a third.
	if c.DeliveryCeiling > 0 && c.DeliveryCeiling < 3 {
		return errors.New("worker: delivery ceiling must be 0 or at least 3")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("worker: heartbeat interval must not be negative")
	}
	return nil
}

// Handler processes the envelopes of one stage. A nil error acknowledges
// the delivery; any error has it redelivered.
type Handler interface {
	Handle(ctx context.Context, env *message.Envelope) error
	// Abandon records env as undeliverable after it exceeded the delivery
	// ceiling.
	Abandon(ctx context.Context, env *message.Envelope, reason string) error
}

type Worker struct {
	services.Service

	cfg   Config
	log   log.Logger
	stage workitem.Stage
	topic string

	client  queue.Client
	handler Handler
	pool    *ants.Pool

	// Deliveries keep running on this context while the service stops.
	procCtx    context.Context
	procCancel context.CancelFunc
	inFlight   *atomic.Int64

	deliveries *prometheus.CounterVec
	duration   prometheus.Observer
}

func New(cfg Config, stage workitem.Stage, client queue.Client, handler Handler, reg prometheus.Registerer, logger log.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	topic, err := message.Topic(stage)
	if err != nil {
		return nil, errors.Wrap(err, "worker")
	}

	logger = log.With(logger, "service", "worker", "stage", stage)

	pool, err := ants.NewPool(cfg.MaxInFlight, ants.WithPanicHandler(func(p interface{}) {
		_ = level.Error(logger).Log("msg", "delivery handler panicked", "panic", fmt.Sprint(p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "worker create pool")
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	labels := prometheus.Labels{"stage": string(stage)}
	factory := promauto.With(reg)

	w := &Worker{
		cfg:   cfg,
		log:   logger,
		stage: stage,
		topic: topic,

		client:  client,
		handler: handler,
		pool:    pool,

		procCtx:    procCtx,
		procCancel: procCancel,
		inFlight:   atomic.NewInt64(0),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "acheron_worker_deliveries_total",
			Help:        "Deliveries handled by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "acheron_worker_handle_duration_seconds",
			Help:        "Time spent handling one delivery.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "acheron_worker_in_flight",
		Help:        "Deliveries being handled.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(w.inFlight.Load())
	})

	w.Service = services.NewBasicService(nil, w.running, w.stopping)
	return w, nil
}

func (w *Worker) running(ctx context.Context) error {
	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		free := w.pool.Free()
		if free <= 0 {
			w.sleep(ctx, idle, 10*time.Millisecond)
			continue
		}
		if free > w.cfg.FetchBatch {
			free = w.cfg.FetchBatch
		}

		ds, err := w.client.Fetch(ctx, w.topic, free)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = level.Error(w.log).Log("msg", "fetch failed", "err", err)
			w.sleep(ctx, idle, time.Second)
			continue
		}

		for _, d := range ds {
			d := d
			w.inFlight.Inc()
			if err := w.pool.Submit(func() {
				defer w.inFlight.Dec()
				w.process(w.procCtx, d)
			}); err != nil {
				w.inFlight.Dec()
				_ = level.Warn(w.log).Log("msg", "pool rejected delivery", "err", err)
				_ = d.Nack(w.procCtx, w.cfg.NackDelay)
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, t *time.Timer, d time.Duration) {
	t.Reset(d)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) stopping(_ error) error {
	defer w.procCancel()

	if err := w.pool.ReleaseTimeout(w.cfg.DrainTimeout); err != nil {
		_ = level.Warn(w.log).Log("msg", "deliveries still in flight at shutdown", "count", w.inFlight.Load())
	}
	return nil
}

// process settles one delivery.
func (w *Worker) process(ctx context.Context, d message.Delivery) {
	start := time.Now()
	defer func() {
		w.duration.Observe(time.Since(start).Seconds())
	}()

	env := d.Envelope()

	if w.cfg.DeliveryCeiling > 0 && d.NumDelivered() > w.cfg.DeliveryCeiling {
		w.abandon(ctx, d, env)
		return
	}

	if wait := time.Until(env.NotBefore); wait > 0 {
		w.settle(ctx, "delayed", d.Nack(ctx, wait), env)
		return
	}

	stop := w.heartbeat(ctx, d, env)
	err := w.handler.Handle(ctx, env)
	stop()

	switch {
	case err == nil:
		w.settle(ctx, "ack", d.Ack(ctx), env)
	case failure.Is(err, failure.Duplicate):
		// Come back when the current owner's claim can be taken over.
		delay := w.cfg.NackDelay
		if after := failure.RetryAfter(err); after > delay {
			delay = after
		}
		_ = level.Debug(w.log).Log("msg", "delivery deferred", "item", env.String(), "delay", delay, "reason", err)
		w.settle(ctx, "deferred", d.Nack(ctx, delay), env)
	default:
		_ = level.Error(w.log).Log("msg", "handling failed, delivery will be retried", "item", env.String(), "err", err)
		w.settle(ctx, "nack", d.Nack(ctx, w.cfg.NackDelay), env)
	}
}

// heartbeat reports d in progress until the returned func is called.
func (w *Worker) heartbeat(ctx context.Context, d message.Delivery, env *message.Envelope) func() {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := d.InProgress(ctx); err != nil {
					_ = level.Warn(w.log).Log("msg", "failed to extend delivery", "item", env.String(), "err", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) abandon(ctx context.Context, d message.Delivery, env *message.Envelope) {
	reason := fmt.Sprintf("delivered %d times, ceiling is %d", d.NumDelivered(), w.cfg.DeliveryCeiling)
	_ = level.Warn(w.log).Log("msg", "delivery ceiling exceeded", "item", env.String(), "reason", reason)

	if err := w.client.Publish(ctx, message.DeadLetterTopic(w.topic), env); err != nil {
		_ = level.Error(w.log).Log("msg", "failed to publish to dead-letter topic", "item", env.String(), "err", err)
	}

	if err := w.handler.Abandon(ctx, env, reason); err != nil {
		_ = level.Error(w.log).Log("msg", "failed to record abandoned delivery", "item", env.String(), "err", err)
		w.settle(ctx, "nack", d.Nack(ctx, w.cfg.NackDelay), env)
		return
	}
	w.settle(ctx, "abandoned", d.Term(ctx), env)
}

func (w *Worker) settle(ctx context.Context, result string, err error, env *message.Envelope) {
	w.deliveries.WithLabelValues(result).Inc()
	if err != nil {
		_ = level.Warn(w.log).Log("msg", "failed to settle delivery", "result", result, "item", env.String(), "err", err)
	}
}
