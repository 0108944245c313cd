package pipeline

import (
	"context"
	"time"

	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type persister struct {
	p *Pipeline
}

func (s *persister) Handle(ctx context.Context, env *message.Envelope) error {
	p := s.p

	cancelled, err := p.cancelled(ctx, env)
	if err != nil {
		return errors.Wrap(err, "persister")
	}
	if cancelled {
		_ = level.Debug(p.log).Log("msg", "batch cancelled, item not stored", "item", env.String())
		return nil
	}

	claimed, err := p.claim(ctx, env)
	if err != nil || claimed == nil {
		return err
	}

	start := p.now()
	meta := map[string]interface{}{}

	// A blob written by an earlier attempt is not written again.
	key := claimed.MetaString(workitem.MetaBlobKey)
	if key == "" {
		var err error
		if key, err = blobstore.Key(claimed.TenantID, claimed.BatchID, claimed.ResourceType, claimed.ResourceID); err != nil {
			return p.fail(ctx, claimed, failure.Wrap(failure.Permanent, err, "resource key"), nil, p.now().Sub(start))
		}
		if err := p.call(ctx, workitem.Storing, "store resource", func(ctx context.Context) error {
			return p.blobs.Put(ctx, key, claimed.Payload)
		}); err != nil {
			return p.fail(ctx, claimed, err, nil, p.now().Sub(start))
		}
		meta[workitem.MetaBlobKey] = key
	}

	storedAt := p.now().UTC()
	attrs := map[string]interface{}{
		"resource_type":   claimed.ResourceType,
		"resource_id":     claimed.ResourceID,
		"batch_id":        claimed.BatchID,
		"quality_score":   claimed.Metadata[workitem.MetaQualityScore],
		"quality_flagged": claimed.Metadata[workitem.MetaQualityFlagged],
		"blob_key":        key,
		"stored_at":       storedAt.Unix(),
	}
	if err := p.call(ctx, workitem.Storing, "index resource", func(ctx context.Context) error {
		return p.index.Upsert(ctx, claimed.TenantID, claimed.CorrelationID, attrs)
	}); err != nil {
		return p.fail(ctx, claimed, err, meta, p.now().Sub(start))
	}

	meta[workitem.MetaStoredAt] = storedAt.Format(time.RFC3339Nano)
	t := &tracker.Transition{
		Transition: workitem.Transition{
			From:         workitem.Storing,
			To:           workitem.Completed,
			Attempt:      claimed.Attempt,
			StageAttempt: claimed.StageAttempt,
		},
		TenantID:      claimed.TenantID,
		CorrelationID: claimed.CorrelationID,
		Metadata:      meta,
		Result: &workitem.ProcessingResult{
			Stage:     workitem.Completed,
			Success:   true,
			Duration:  p.now().Sub(start),
			CreatedAt: p.now(),
		},
	}

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "persister: record completed")
	}
	if dec.Outcome != workitem.Accepted {
		_ = level.Warn(p.log).Log("msg", "completion not recorded, item moved on", "item", env.String(), "reason", dec.Reason)
		return nil
	}

	p.items.WithLabelValues(string(workitem.Storing), "completed").Inc()
	return nil
}
