package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/tracker/record"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type enricher struct {
	p *Pipeline
}

func (e *enricher) Handle(ctx context.Context, env *message.Envelope) error {
	p := e.p

	cancelled, err := p.cancelled(ctx, env)
	if err != nil {
		return errors.Wrap(err, "enricher")
	}
	if cancelled {
		_ = level.Debug(p.log).Log("msg", "batch cancelled, item not enriched", "item", env.String())
		return nil
	}

	claimed, err := p.claim(ctx, env)
	if err != nil || claimed == nil {
		return err
	}

	start := p.now()
	var res *model.Result
	err = p.call(ctx, workitem.Enriching, "enrich", func(ctx context.Context) error {
		var err error
		res, err = p.capability.Enrich(ctx, claimed.TenantID, claimed.Payload, model.Context{
			TenantID:     claimed.TenantID,
			BatchID:      claimed.BatchID,
			ResourceType: claimed.ResourceType,
			ResourceID:   claimed.ResourceID,
		})
		return err
	})
	if err != nil {
		return p.fail(ctx, claimed, err, nil, p.now().Sub(start))
	}

	if q := res.QualityScore; math.IsNaN(q) || q < 0 || q > 1 {
		err := failure.New(failure.Permanent, fmt.Sprintf("enrich: quality score %v is outside [0, 1]", q))
		return p.fail(ctx, claimed, err, nil, p.now().Sub(start))
	}

	meta := map[string]interface{}{
		workitem.MetaQualityScore:   res.QualityScore,
		workitem.MetaQualityFlagged: res.QualityScore < p.cfg.Enricher.QualityThreshold,
		workitem.MetaEnrichedAt:     p.now().UTC().Format(time.RFC3339Nano),
	}

	if len(res.Embeddings) > 0 {
		key, err := blobstore.EmbeddingKey(claimed.TenantID, claimed.BatchID, claimed.ResourceType, claimed.ResourceID)
		if err != nil {
			return p.fail(ctx, claimed, failure.Wrap(failure.Permanent, err, "embedding key"), nil, p.now().Sub(start))
		}
		raw, err := json.Marshal(res.Embeddings)
		if err != nil {
			return p.fail(ctx, claimed, failure.Wrap(failure.Permanent, err, "encode embeddings"), nil, p.now().Sub(start))
		}
		if err := p.call(ctx, workitem.Enriching, "store embeddings", func(ctx context.Context) error {
			return p.blobs.Put(ctx, key, raw)
		}); err != nil {
			return p.fail(ctx, claimed, err, nil, p.now().Sub(start))
		}
		meta[workitem.MetaEmbeddingRefs] = key
	}

	payload := res.Payload
	if len(payload) == 0 {
		payload = claimed.Payload
	}

	t := &tracker.Transition{
		Transition: workitem.Transition{
			From:         workitem.Enriching,
			To:           workitem.Enriched,
			Attempt:      claimed.Attempt,
			StageAttempt: claimed.StageAttempt,
		},
		TenantID:      claimed.TenantID,
		CorrelationID: claimed.CorrelationID,
		Payload:       payload,
		Metadata:      meta,
		Result: &workitem.ProcessingResult{
			Stage:     workitem.Enriched,
			Success:   true,
			Duration:  p.now().Sub(start),
			Metrics:   map[string]float64{"qualityScore": res.QualityScore, "embeddings": float64(len(res.Embeddings))},
			CreatedAt: p.now(),
		},
	}

	enriched := claimed.Clone()
	record.Apply(enriched, t, p.now())
	next := dispatcher.NewEnvelope(enriched, workitem.Storing)
	t.Outbox = next

	dec, err := p.tracker.RecordTransition(ctx, t)
	if err != nil {
		return errors.Wrap(err, "enricher: record enriched")
	}
	if dec.Outcome != workitem.Accepted {
		_ = level.Warn(p.log).Log("msg", "enrichment result discarded, item moved on", "item", env.String(), "reason", dec.Reason)
		return nil
	}

	p.items.WithLabelValues(string(workitem.Enriching), "enriched").Inc()
	p.dispatch(ctx, next)
	return nil
}
