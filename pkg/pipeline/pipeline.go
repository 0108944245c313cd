// Package pipeline holds the stage handlers: chunking an export into work
// items, enriching them and persisting the result.
//
// Handlers own no state. Everything an item has been through lives in the
// tracker, and every change is a compare-and-set there, so any number of
// handlers may receive the same envelope and at most one of them acts on it.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/chunker"
	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/ValerySidorin/acheron/pkg/enrich"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/index"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/retry"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/tracker/record"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler processes envelopes targeting one stage.
type Handler interface {
	Handle(ctx context.Context, env *message.Envelope) error
}

// Fetcher downloads exports given as URLs.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID, batchID, url string) (io.ReadCloser, error)
}

type Pipeline struct {
	cfg Config
	log log.Logger

	tracker    tracker.Tracker
	dispatcher *dispatcher.Dispatcher
	blobs      blobstore.Store
	index      index.Store
	capability enrich.Capability
	fetcher    Fetcher

	handlers map[workitem.Stage]Handler
	now      func() time.Time

	items *prometheus.CounterVec
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Tracker    tracker.Tracker
	Dispatcher *dispatcher.Dispatcher
	Blobs      blobstore.Store
	Index      index.Store
	Capability enrich.Capability
	Fetcher    Fetcher
}

func New(cfg Config, deps Deps, reg prometheus.Registerer, logger log.Logger) *Pipeline {
	p := &Pipeline{
		cfg: cfg,
		log: log.With(logger, "service", "pipeline"),

		tracker:    deps.Tracker,
		dispatcher: deps.Dispatcher,
		blobs:      deps.Blobs,
		index:      deps.Index,
		capability: deps.Capability,
		fetcher:    deps.Fetcher,

		now: time.Now,

		items: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "acheron_items_total",
			Help: "Work item outcomes by stage.",
		}, []string{"stage", "result"}),
	}

	p.handlers = map[workitem.Stage]Handler{
		workitem.Received:  &importer{p: p},
		workitem.Enriching: &enricher{p: p},
		workitem.Storing:   &persister{p: p},
	}
	return p
}

// Policies returns the retry policy of every stage, keyed by the stage an
// envelope targets.
func Policies(cfg Config) map[workitem.Stage]retry.Policy {
	return map[workitem.Stage]retry.Policy{
		workitem.Received:  cfg.Chunker.Retry,
		workitem.Enriching: cfg.Enricher.Retry,
		workitem.Storing:   cfg.Persister.Retry,
	}
}

// Handle routes env to the handler of its target stage.
func (p *Pipeline) Handle(ctx context.Context, env *message.Envelope) error {
	h, ok := p.handlers[env.Stage]
	if !ok {
		_ = level.Error(p.log).Log("msg", "no handler for stage, dropping envelope", "item", env.String())
		return nil
	}
	return h.Handle(ctx, env)
}

func (p *Pipeline) stageConfig(stage workitem.Stage) StageConfig {
	switch stage {
	case workitem.Received, workitem.Chunked:
		return p.cfg.Chunker.StageConfig
	case workitem.Enriching, workitem.Enriched:
		return p.cfg.Enricher.StageConfig
	}
	return p.cfg.Persister.StageConfig
}

// call runs fn under the operation timeout of stage. A timeout is transient.
func (p *Pipeline) call(ctx context.Context, stage workitem.Stage, what string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, p.stageConfig(stage).OpTimeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return failure.Wrap(failure.Transient, err, what+": timed out")
	}
	return errors.Wrap(err, what)
}

// cancelled reports whether the batch of env was cancelled.
func (p *Pipeline) cancelled(ctx context.Context, env *message.Envelope) (bool, error) {
	b, err := p.tracker.GetBatchStatus(ctx, env.TenantID, env.BatchID)
	if err != nil {
		return false, errors.Wrap(err, "get batch")
	}
	return b.Cancelled, nil
}

// claim takes ownership of the item of env by moving it to env.Stage. It
// returns the item as it is after the claim, or nil if the envelope must be
// dropped.
func (p *Pipeline) claim(ctx context.Context, env *message.Envelope) (*workitem.WorkItem, error) {
	t := &tracker.Transition{
		Transition: workitem.Transition{
			From:         env.Item.Stage,
			To:           env.Stage,
			Attempt:      env.Attempt,
			StageAttempt: env.StageAttempt,
			Replay:       env.Replay,
		},
		TenantID:      env.TenantID,
		CorrelationID: env.CorrelationID,
	}

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return nil, errors.Wrap(err, "claim")
	}

	switch dec.Outcome {
	case workitem.Accepted:
		claimed := env.Item.Clone()
		record.Apply(claimed, t, p.now())
		return claimed, nil
	case workitem.Rejected:
		_ = level.Warn(p.log).Log("msg", "out of order delivery dropped", "item", env.String(), "reason", dec.Reason)
		return nil, nil
	}

	cur, err := p.tracker.GetItem(ctx, env.TenantID, env.CorrelationID)
	if err != nil {
		return nil, errors.Wrap(err, "claim get item")
	}
	if cur.Stage != env.Stage || cur.Attempt != env.Attempt {
		_ = level.Debug(p.log).Log("msg", "duplicate delivery absorbed", "item", env.String(), "stage", cur.Stage, "attempt", cur.Attempt)
		return nil, nil
	}

	// Claimed by this very attempt: either another worker is on it or it
	// died holding the claim.
	if left := p.stageConfig(env.Stage).ClaimTimeout - p.now().Sub(cur.UpdatedAt); left > 0 {
		return nil, failure.Deferred("item is being handled by another worker", left)
	}

	_ = level.Warn(p.log).Log("msg", "claim expired, taking item over", "item", env.String())
	return nil, p.fail(ctx, cur, failure.New(failure.Transient, "claim expired"), nil, 0)
}

// fail records a failed attempt on a claimed item and decides what comes
// next: a terminal failure, a delayed retry or the dead-letter list.
func (p *Pipeline) fail(ctx context.Context, claimed *workitem.WorkItem, cause error, meta map[string]interface{}, took time.Duration) error {
	stage := claimed.Stage
	policy := p.stageConfig(stage).Retry
	msg := cause.Error()
	now := p.now()

	t := &tracker.Transition{
		Transition: workitem.Transition{
			From:         stage,
			To:           workitem.Failed,
			Attempt:      claimed.Attempt,
			StageAttempt: claimed.StageAttempt,
		},
		TenantID:      claimed.TenantID,
		CorrelationID: claimed.CorrelationID,
		Error:         msg,
		Metadata:      meta,
		Result: &workitem.ProcessingResult{
			Stage:     stage,
			Success:   false,
			Duration:  took,
			Errors:    []string{msg},
			CreatedAt: now,
		},
	}

	result := "retried"
	var retryEnv *message.Envelope
	switch {
	case !failure.IsRetryable(cause):
		t.Terminal = true
		result = "failed"
	case policy.Exhausted(claimed.StageAttempt):
		t.Then = &tracker.Transition{
			Transition: workitem.Transition{
				From:         workitem.Failed,
				To:           workitem.DeadLettered,
				Attempt:      claimed.Attempt,
				StageAttempt: claimed.StageAttempt,
			},
			TenantID:      claimed.TenantID,
			CorrelationID: claimed.CorrelationID,
			Error:         fmt.Sprintf("%d attempts exhausted: %s", claimed.StageAttempt, msg),
		}
		result = "dead_lettered"
	default:
		failed := claimed.Clone()
		record.Apply(failed, t, now)
		retryEnv = dispatcher.NewEnvelope(failed, stage)
		retryEnv.NotBefore = now.Add(policy.Delay(claimed.StageAttempt))
		t.Outbox = retryEnv
	}

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "record failure")
	}
	if dec.Outcome != workitem.Accepted {
		_ = level.Debug(p.log).Log("msg", "failure not recorded, item moved on", "item", claimed.CorrelationID, "reason", dec.Reason)
		return nil
	}

	p.items.WithLabelValues(string(stage), result).Inc()
	_ = level.Warn(p.log).Log("msg", "item attempt failed", "tenant", claimed.TenantID, "batch", claimed.BatchID,
		"resource", claimed.ResourceType+"/"+claimed.ResourceID, "stage", stage, "attempt", claimed.StageAttempt,
		"outcome", result, "err", msg)

	if retryEnv != nil {
		p.dispatch(ctx, retryEnv)
		return nil
	}

	be := workitem.BatchError{
		Key:           fmt.Sprintf("item:%s:%d", claimed.CorrelationID, claimed.Attempt),
		CorrelationID: claimed.CorrelationID,
		Stage:         stage,
		Message:       msg,
		CreatedAt:     now,
	}
	if _, err := p.tracker.RecordBatchError(ctx, claimed.TenantID, claimed.BatchID, be, false); err != nil {
		_ = level.Error(p.log).Log("msg", "failed to record batch error", "item", claimed.CorrelationID, "err", err)
	}
	return nil
}

// dispatch sends an envelope whose outbox entry is already durable. Errors
// are logged only: a failed dispatch has been recorded on the item, and an
// interrupted one is picked up by the sweeper.
func (p *Pipeline) dispatch(ctx context.Context, env *message.Envelope) {
	out, err := p.dispatcher.Dispatch(ctx, env)
	if err != nil {
		_ = level.Error(p.log).Log("msg", "dispatch failed", "item", env.String(), "err", err)
		return
	}
	_ = level.Debug(p.log).Log("msg", "dispatch done", "item", env.String(), "outcome", out)
}

// Abandon dead-letters the item of an envelope that kept failing delivery,
// or fails the batch of a chunk request.
func (p *Pipeline) Abandon(ctx context.Context, env *message.Envelope, reason string) error {
	if env.Stage == workitem.Received {
		return errors.Wrap(p.tracker.FailBatch(ctx, env.TenantID, env.BatchID, "chunk request abandoned: "+reason), "abandon")
	}

	cur, err := p.tracker.GetItem(ctx, env.TenantID, env.CorrelationID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "abandon get item")
	}
	if cur.Attempt > env.Attempt {
		// The item moved on since this envelope was sent.
		return nil
	}

	deadLetter := &tracker.Transition{
		Transition: workitem.Transition{
			From:         workitem.Failed,
			To:           workitem.DeadLettered,
			Attempt:      cur.Attempt,
			StageAttempt: cur.StageAttempt,
		},
		TenantID:      cur.TenantID,
		CorrelationID: cur.CorrelationID,
		Error:         reason,
	}

	var t *tracker.Transition
	switch {
	case cur.Stage.InFlight():
		t = &tracker.Transition{
			Transition: workitem.Transition{
				From:         cur.Stage,
				To:           workitem.Failed,
				Attempt:      cur.Attempt,
				StageAttempt: cur.StageAttempt,
				RetryStage:   env.Stage,
			},
			TenantID:      cur.TenantID,
			CorrelationID: cur.CorrelationID,
			Error:         reason,
			Then:          deadLetter,
		}
	case cur.Stage == workitem.Failed && !cur.Terminal:
		t = deadLetter
	default:
		return nil
	}

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "abandon")
	}
	if dec.Outcome != workitem.Accepted {
		return nil
	}

	p.items.WithLabelValues(string(env.Stage), "dead_lettered").Inc()
	be := workitem.BatchError{
		Key:           fmt.Sprintf("abandoned:%s:%d", cur.CorrelationID, cur.Attempt),
		CorrelationID: cur.CorrelationID,
		Stage:         env.Stage,
		Message:       reason,
		CreatedAt:     p.now(),
	}
	_, err = p.tracker.RecordBatchError(ctx, cur.TenantID, cur.BatchID, be, false)
	return errors.Wrap(err, "abandon record batch error")
}

// Submit registers a batch and queues its chunk request.
func (p *Pipeline) Submit(ctx context.Context, tenantID, batchID string, ref message.ExportRef) error {
	if err := workitem.ValidateTenant(tenantID); err != nil {
		return failure.Wrap(failure.Validation, err, "submit")
	}
	if err := workitem.ValidateBatch(batchID); err != nil {
		return failure.Wrap(failure.Validation, err, "submit")
	}
	if ref.ObjectKey == "" && ref.URL == "" {
		return failure.New(failure.Validation, "submit: export needs an object key or a url")
	}
	if ref.ObjectKey != "" && !blobstore.InTenant(tenantID, ref.ObjectKey) {
		return failure.New(failure.Validation, "submit: export key is outside the tenant prefix")
	}
	if _, err := chunker.ParseFormat(ref.Format); err != nil {
		return failure.Wrap(failure.Validation, err, "submit")
	}

	created, err := p.tracker.CreateBatch(ctx, workitem.NewBatch(tenantID, batchID))
	if err != nil {
		return errors.Wrap(err, "submit create batch")
	}
	if !created {
		return failure.New(failure.Duplicate, "submit: batch already exists")
	}

	return p.dispatcher.Submit(ctx, &message.Envelope{
		TenantID:     tenantID,
		BatchID:      batchID,
		Stage:        workitem.Received,
		Attempt:      1,
		StageAttempt: 1,
		Export:       &ref,
	})
}

// CancelBatch stops dispatching items of a batch. Items finish the stage
// they are in.
func (p *Pipeline) CancelBatch(ctx context.Context, tenantID, batchID string) error {
	if _, err := p.tracker.GetBatchStatus(ctx, tenantID, batchID); err != nil {
		return err
	}
	return p.tracker.CancelBatch(ctx, tenantID, batchID)
}

// Replay sends a dead-lettered item back to the stage that failed.
func (p *Pipeline) Replay(ctx context.Context, tenantID, correlationID string) error {
	cur, err := p.tracker.GetItem(ctx, tenantID, correlationID)
	if err != nil {
		return err
	}
	if cur.Stage != workitem.DeadLettered {
		return failure.New(failure.Validation, fmt.Sprintf("replay: item is %s, not dead-lettered", cur.Stage))
	}

	b, err := p.tracker.GetBatchStatus(ctx, tenantID, cur.BatchID)
	if err != nil {
		return err
	}
	if b.Cancelled {
		return failure.New(failure.Validation, "replay: batch is cancelled")
	}

	out, err := p.dispatcher.Dispatch(ctx, dispatcher.NewEnvelope(cur, cur.RetryStage))
	if err != nil {
		return err
	}
	_ = level.Info(p.log).Log("msg", "dead letter replayed", "tenant", tenantID, "item", correlationID,
		"stage", cur.RetryStage, "outcome", out)
	return nil
}
