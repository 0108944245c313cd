package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/chunker"
	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// importer handles chunk requests: it reads an export and turns every
// record into a work item dispatched to enrichment.
type importer struct {
	p *Pipeline
}

func (i *importer) Handle(ctx context.Context, env *message.Envelope) error {
	p := i.p
	logger := log.With(p.log, "stage", "chunk", "tenant", env.TenantID, "batch", env.BatchID)

	if env.Export == nil {
		_ = level.Error(logger).Log("msg", "chunk request without export dropped")
		return nil
	}

	if _, err := p.tracker.CreateBatch(ctx, workitem.NewBatch(env.TenantID, env.BatchID)); err != nil {
		return errors.Wrap(err, "importer: create batch")
	}

	b, err := p.tracker.GetBatchStatus(ctx, env.TenantID, env.BatchID)
	if err != nil {
		return errors.Wrap(err, "importer: get batch")
	}
	if b.FailedReason != "" || b.Cancelled || b.TotalResources != nil {
		_ = level.Debug(logger).Log("msg", "batch already chunked or stopped", "stage", b.Stage)
		return nil
	}

	format, err := chunker.ParseFormat(env.Export.Format)
	if err != nil {
		return i.failBatch(ctx, env, err)
	}

	start := p.now()
	rc, err := i.open(ctx, env)
	if err != nil {
		if failure.IsRetryable(err) {
			return i.retry(ctx, env, err)
		}
		return i.failBatch(ctx, env, err)
	}
	defer rc.Close()

	c := chunker.New(rc, env.TenantID, env.BatchID,
		chunker.WithFormat(format),
		chunker.WithMaxRecordSize(p.cfg.Chunker.Chunker.MaxRecordSize))

	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			// Redelivery starts over; everything done so far is absorbed.
			return err
		}

		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return i.failBatch(ctx, env, err)
		}

		if chunk.Rejection != nil {
			if err := i.reject(ctx, env, chunk.Rejection.Key, chunk.Rejection.Reason); err != nil {
				return err
			}
			continue
		}

		item := chunk.Item
		if _, dup := seen[item.CorrelationID]; dup {
			if err := i.reject(ctx, env, fmt.Sprintf("duplicate:%s:%s/%s", chunk.Pos, item.ResourceType, item.ResourceID), "resource appears more than once in the export"); err != nil {
				return err
			}
			continue
		}
		seen[item.CorrelationID] = struct{}{}

		if err := i.admit(ctx, item, start); err != nil {
			return err
		}
	}

	stats := c.Stats()
	if err := p.tracker.SetBatchTotal(ctx, env.TenantID, env.BatchID, stats.Seen); err != nil {
		return errors.Wrap(err, "importer: set batch total")
	}

	_ = level.Info(logger).Log("msg", "export chunked", "resources", stats.Seen,
		"admitted", stats.Emitted, "rejected", stats.Rejected, "took", p.now().Sub(start))
	return nil
}

// open streams the export. The reader outlives any operation timeout, so
// only the caller's context bounds it.
func (i *importer) open(ctx context.Context, env *message.Envelope) (io.ReadCloser, error) {
	p := i.p
	ref := env.Export

	switch {
	case ref.ObjectKey != "":
		if !blobstore.InTenant(env.TenantID, ref.ObjectKey) {
			return nil, failure.New(failure.Permanent, "importer: export key is outside the tenant prefix")
		}
		rc, err := p.blobs.Open(ctx, ref.ObjectKey)
		return rc, errors.Wrap(err, "importer: open export")
	case ref.URL != "" && p.fetcher != nil:
		rc, err := p.fetcher.Fetch(ctx, env.TenantID, env.BatchID, ref.URL)
		return rc, errors.Wrap(err, "importer: fetch export")
	}
	return nil, failure.New(failure.Permanent, "importer: export has neither an object key nor a fetchable url")
}

// admit stores a new item, moves it to Chunked and dispatches it. Items
// admitted by an earlier delivery of the same request are left to the
// sweeper.
func (i *importer) admit(ctx context.Context, item *workitem.WorkItem, start time.Time) error {
	p := i.p

	if _, err := p.tracker.CreateItem(ctx, item); err != nil {
		return errors.Wrap(err, "importer: create item")
	}

	t := &tracker.Transition{
		Transition: workitem.Transition{
			From: workitem.Received,
			To:   workitem.Chunked,
		},
		TenantID:      item.TenantID,
		CorrelationID: item.CorrelationID,
		Result: &workitem.ProcessingResult{
			Stage:     workitem.Chunked,
			Success:   true,
			Duration:  p.now().Sub(start),
			CreatedAt: p.now(),
		},
	}

	chunked := item.Clone()
	chunked.Stage = workitem.Chunked
	env := dispatcher.NewEnvelope(chunked, workitem.Enriching)
	t.Outbox = env

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "importer: record chunked")
	}
	if dec.Outcome != workitem.Accepted {
		return nil
	}

	p.items.WithLabelValues("chunk", "admitted").Inc()
	p.dispatch(ctx, env)
	return nil
}

func (i *importer) reject(ctx context.Context, env *message.Envelope, key, reason string) error {
	e := workitem.BatchError{
		Key:       "reject:" + key,
		Stage:     workitem.Received,
		Message:   reason,
		CreatedAt: i.p.now(),
	}
	if _, err := i.p.tracker.RecordBatchError(ctx, env.TenantID, env.BatchID, e, true); err != nil {
		return errors.Wrap(err, "importer: record rejection")
	}
	i.p.items.WithLabelValues("chunk", "rejected").Inc()
	return nil
}

// retry asks for the chunk request again later, or fails the batch once the
// chunk stage is out of attempts.
func (i *importer) retry(ctx context.Context, env *message.Envelope, cause error) error {
	p := i.p
	policy := p.cfg.Chunker.Retry

	if policy.Exhausted(env.StageAttempt) {
		return i.failBatch(ctx, env, errors.Wrapf(cause, "%d attempts exhausted", env.StageAttempt))
	}

	next := *env
	next.Attempt++
	next.StageAttempt++
	next.NotBefore = p.now().Add(policy.Delay(env.StageAttempt))

	_ = level.Warn(p.log).Log("msg", "export unavailable, chunk request retried", "tenant", env.TenantID,
		"batch", env.BatchID, "attempt", env.StageAttempt, "not_before", next.NotBefore, "err", cause)

	if err := p.dispatcher.Submit(ctx, &next); err != nil {
		return errors.Wrap(err, "importer: resubmit")
	}
	return nil
}

func (i *importer) failBatch(ctx context.Context, env *message.Envelope, cause error) error {
	_ = level.Error(i.p.log).Log("msg", "batch failed", "tenant", env.TenantID, "batch", env.BatchID, "err", cause)

	if err := i.p.tracker.FailBatch(ctx, env.TenantID, env.BatchID, cause.Error()); err != nil {
		return errors.Wrap(err, "importer: fail batch")
	}
	return nil
}
