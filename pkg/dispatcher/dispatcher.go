// Package dispatcher hands work items to the queue of their next stage.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/retry"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Outcome int

const (
	Dispatched Outcome = iota
	// Skipped means the tracker has already moved past the state the
	// envelope was built from.
	Skipped
	// Cancelled means the batch was cancelled and the item stays where it is.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

type Dispatcher struct {
	pub      queue.Publisher
	tracker  tracker.Tracker
	policies map[workitem.Stage]retry.Policy
	log      log.Logger
	now      func() time.Time

	dispatches *prometheus.CounterVec
}

// New returns a dispatcher that retries publishing with the policy of the
// target stage.
func New(pub queue.Publisher, t tracker.Tracker, policies map[workitem.Stage]retry.Policy, reg prometheus.Registerer, log log.Logger) *Dispatcher {
	return &Dispatcher{
		pub:      pub,
		tracker:  t,
		policies: policies,
		log:      log,
		now:      time.Now,
		dispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "acheron_dispatches_total",
			Help: "Dispatches by target stage and outcome.",
		}, []string{"stage", "outcome"}),
	}
}

// NewEnvelope builds the envelope that moves item, as it is now, to target.
// The consumer records the claim with the envelope's attempts.
func NewEnvelope(item *workitem.WorkItem, target workitem.Stage) *message.Envelope {
	snapshot := item.Clone()
	snapshot.History = nil

	stageAttempt := 1
	if item.Stage == workitem.Failed && item.RetryStage == target {
		stageAttempt = item.StageAttempt + 1
	}

	return &message.Envelope{
		TenantID:      item.TenantID,
		BatchID:       item.BatchID,
		CorrelationID: item.CorrelationID,
		Stage:         target,
		Attempt:       item.Attempt + 1,
		StageAttempt:  stageAttempt,
		Replay:        item.Stage == workitem.DeadLettered,
		Item:          snapshot,
	}
}

func (d *Dispatcher) policy(stage workitem.Stage) retry.Policy {
	p, ok := d.policies[stage]
	if !ok {
		return retry.Policy{MaxAttempts: 1, Multiplier: 1}
	}
	return p
}

// Submit publishes a chunk request.
func (d *Dispatcher) Submit(ctx context.Context, env *message.Envelope) error {
	if env.Stage != workitem.Received {
		return failure.New(failure.Validation, "dispatcher: not a chunk request")
	}
	if err := env.Validate(); err != nil {
		return failure.Wrap(failure.Validation, err, "dispatcher")
	}

	if err := d.publish(ctx, env); err != nil {
		d.dispatches.WithLabelValues(string(env.Stage), "failed").Inc()
		return err
	}
	d.dispatches.WithLabelValues(string(env.Stage), Dispatched.String()).Inc()
	return nil
}

// Dispatch publishes env unless the item has moved on or its batch is
// cancelled. When publishing keeps failing past the retry policy the item is
// failed and a DispatchError is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, env *message.Envelope) (Outcome, error) {
	if env.Item == nil {
		return Skipped, failure.New(failure.Validation, "dispatcher: envelope carries no item")
	}

	corr := workitem.CorrelationID(env.Item.BatchID, env.Item.ResourceType, env.Item.ResourceID)
	if env.Item.CorrelationID == "" {
		env.Item.CorrelationID = corr
	}
	if env.CorrelationID == "" {
		env.CorrelationID = corr
	}
	if env.Item.CorrelationID != corr || env.CorrelationID != corr {
		return Skipped, failure.New(failure.Validation, "dispatcher: correlation id does not match resource identity")
	}
	if err := env.Validate(); err != nil {
		return Skipped, failure.Wrap(failure.Validation, err, "dispatcher")
	}

	cur, err := d.tracker.GetItem(ctx, env.TenantID, env.CorrelationID)
	if err != nil {
		return Skipped, errors.Wrap(err, "dispatcher get item")
	}

	if cur.Stage != env.Item.Stage || cur.Attempt != env.Item.Attempt || (cur.Finished() && !env.Replay) {
		_ = level.Debug(d.log).Log("msg", "item moved on, dispatch skipped", "item", env.String(),
			"stage", cur.Stage, "attempt", cur.Attempt)
		d.markDispatched(ctx, env)
		d.dispatches.WithLabelValues(string(env.Stage), Skipped.String()).Inc()
		return Skipped, nil
	}

	batch, err := d.tracker.GetBatchStatus(ctx, env.TenantID, env.BatchID)
	if err != nil {
		return Skipped, errors.Wrap(err, "dispatcher get batch")
	}
	if batch.Cancelled {
		_ = level.Info(d.log).Log("msg", "batch cancelled, item not dispatched", "item", env.String())
		d.markDispatched(ctx, env)
		d.dispatches.WithLabelValues(string(env.Stage), Cancelled.String()).Inc()
		return Cancelled, nil
	}

	if err := d.publish(ctx, env); err != nil {
		if ctx.Err() != nil {
			// The outbox entry stays and the sweeper sends it later.
			return Skipped, err
		}
		d.dispatches.WithLabelValues(string(env.Stage), "failed").Inc()
		return Skipped, d.fail(ctx, cur, env, err)
	}

	d.markDispatched(ctx, env)
	d.dispatches.WithLabelValues(string(env.Stage), Dispatched.String()).Inc()
	return Dispatched, nil
}

func (d *Dispatcher) publish(ctx context.Context, env *message.Envelope) error {
	topic, err := message.Topic(env.Stage)
	if err != nil {
		return failure.Wrap(failure.Validation, err, "dispatcher")
	}

	err = d.policy(env.Stage).DoNotify(ctx, func() error {
		return failure.Wrap(failure.Dispatch, d.pub.Publish(ctx, topic, env), "publish")
	}, func(err error, next time.Duration) {
		_ = level.Warn(d.log).Log("msg", "publish failed, retrying", "item", env.String(), "next", next, "err", err)
	})
	if err != nil {
		return failure.Wrap(failure.Dispatch, err, "dispatcher: publish to "+topic)
	}
	return nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, env *message.Envelope) {
	if err := d.tracker.MarkDispatched(ctx, env.TenantID, env.CorrelationID, env.Attempt); err != nil {
		// The sweeper re-sends the envelope, and the consumer absorbs the copy.
		_ = level.Warn(d.log).Log("msg", "failed to clear outbox", "item", env.String(), "err", err)
	}
}

// fail records an undeliverable item: an in-flight item fails for good, a
// retry that can not be delivered is dead-lettered so that it stays
// replayable.
func (d *Dispatcher) fail(ctx context.Context, cur *workitem.WorkItem, env *message.Envelope, cause error) error {
	msg := cause.Error()
	_ = level.Error(d.log).Log("msg", "dispatch failed", "item", env.String(), "err", msg)

	t := &tracker.Transition{
		TenantID:      cur.TenantID,
		CorrelationID: cur.CorrelationID,
		Error:         msg,
	}
	switch {
	case cur.Stage.InFlight():
		t.Transition = workitem.Transition{
			From:         cur.Stage,
			To:           workitem.Failed,
			Attempt:      cur.Attempt,
			StageAttempt: cur.StageAttempt,
			Terminal:     true,
			RetryStage:   env.Stage,
		}
	case cur.Stage == workitem.Failed:
		t.Transition = workitem.Transition{
			From:         workitem.Failed,
			To:           workitem.DeadLettered,
			Attempt:      cur.Attempt,
			StageAttempt: cur.StageAttempt,
		}
	default:
		return cause
	}

	dec, err := d.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "dispatcher record failure")
	}
	if dec.Outcome != workitem.Accepted {
		_ = level.Debug(d.log).Log("msg", "dispatch failure not recorded", "item", env.String(), "reason", dec.Reason)
		return cause
	}

	be := workitem.BatchError{
		Key:           fmt.Sprintf("dispatch:%s:%d", cur.CorrelationID, env.Attempt),
		CorrelationID: cur.CorrelationID,
		Stage:         env.Stage,
		Message:       msg,
		CreatedAt:     d.now(),
	}
	if _, err := d.tracker.RecordBatchError(ctx, cur.TenantID, cur.BatchID, be, false); err != nil {
		_ = level.Error(d.log).Log("msg", "failed to record batch error", "item", env.String(), "err", err)
	}

	return cause
}
