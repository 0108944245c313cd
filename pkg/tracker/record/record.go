package record

import (
	"time"

	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("tracker: not found")

// Transition is a state change together with everything that must become
// durable atomically with it.
type Transition struct {
	workitem.Transition

	TenantID      string
	CorrelationID string

	Error    string
	Payload  []byte
	Metadata map[string]interface{}
	Result   *workitem.ProcessingResult

	// Outbox is the envelope the caller will dispatch once the transition is
	// recorded. It stays pending until the dispatch is confirmed.
	Outbox *message.Envelope

	// Then is applied in the same transaction when this transition is
	// accepted.
	Then *Transition
}

// Effects are the batch counter deltas of an accepted transition.
type Effects struct {
	Processed int
	Errored   int
}

func (e Effects) Add(o Effects) Effects {
	return Effects{Processed: e.Processed + o.Processed, Errored: e.Errored + o.Errored}
}

// Apply mutates item as the accepted transition t requires and returns the
// batch counter deltas. Backends call it inside their atomic section.
func Apply(item *workitem.WorkItem, t *Transition, now time.Time) Effects {
	eff := Effects{}

	item.History = append(item.History, workitem.Event{
		From:    t.From,
		To:      t.To,
		Attempt: t.Attempt,
		Error:   t.Error,
		At:      now,
	})

	if t.From == workitem.DeadLettered {
		eff.Errored--
		item.Terminal = false
	}

	item.Stage = t.To
	item.Attempt = t.Attempt
	item.StageAttempt = t.StageAttempt
	item.UpdatedAt = now

	switch t.To {
	case workitem.Failed:
		item.FailedStage = t.From
		item.RetryStage = t.RetryStage
		if item.RetryStage == "" {
			item.RetryStage = t.From
		}
		item.Terminal = t.Terminal
		if t.Terminal {
			eff.Errored++
		}
	case workitem.DeadLettered:
		eff.Errored++
	case workitem.Completed:
		eff.Processed++
	}

	if t.Error != "" {
		item.LastError = t.Error
	}
	if t.Payload != nil {
		item.Payload = t.Payload
	}
	if len(t.Metadata) > 0 {
		if item.Metadata == nil {
			item.Metadata = make(map[string]interface{}, len(t.Metadata))
		}
		for k, v := range t.Metadata {
			item.Metadata[k] = v
		}
	}

	return eff
}

func NewDeadLetter(item *workitem.WorkItem, now time.Time) *workitem.DeadLetter {
	return &workitem.DeadLetter{
		TenantID:      item.TenantID,
		BatchID:       item.BatchID,
		CorrelationID: item.CorrelationID,
		ResourceType:  item.ResourceType,
		ResourceID:    item.ResourceID,
		FailedStage:   item.FailedStage,
		RetryStage:    item.RetryStage,
		Attempt:       item.Attempt,
		Reason:        item.LastError,
		History:       append([]workitem.Event(nil), item.History...),
		CreatedAt:     now,
	}
}

// Chain returns t followed by every transition linked through Then.
func (t *Transition) Chain() []*Transition {
	res := make([]*Transition, 0, 2)
	for c := t; c != nil; c = c.Then {
		res = append(res, c)
	}
	return res
}

// PendingOutbox returns the outbox envelope left by the last transition of
// the chain that carries one.
func (t *Transition) PendingOutbox() *message.Envelope {
	var env *message.Envelope
	for _, c := range t.Chain() {
		env = c.Outbox
	}
	return env
}
