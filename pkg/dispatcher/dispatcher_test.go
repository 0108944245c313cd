package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/retry"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	"github.com/ValerySidorin/acheron/pkg/tracker/badger"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     map[string][]*message.Envelope
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failures != 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	if p.sent == nil {
		p.sent = map[string][]*message.Envelope{}
	}
	p.sent[topic] = append(p.sent[topic], env)
	return nil
}

var policy = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond}

func setup(t *testing.T, pub *fakePublisher) (*Dispatcher, tracker.Tracker) {
	s, err := badger.NewStore(badger.Config{InMemory: true}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	policies := map[workitem.Stage]retry.Policy{
		workitem.Received:  policy,
		workitem.Enriching: policy,
		workitem.Storing:   policy,
	}
	return New(pub, s, policies, nil, log.NewNopLogger()), s
}

// chunked stores a new item moved to Chunked with its enrich envelope
// pending, and returns that envelope.
func chunked(t *testing.T, tr tracker.Tracker, id string) *message.Envelope {
	ctx := context.Background()
	_, err := tr.CreateBatch(ctx, workitem.NewBatch("t1", "b1"))
	require.NoError(t, err)

	item := workitem.New("t1", "b1", "Patient", id, []byte(`{"resourceType":"Patient","id":"`+id+`"}`))
	_, err = tr.CreateItem(ctx, item)
	require.NoError(t, err)

	after := item.Clone()
	after.Stage = workitem.Chunked
	env := NewEnvelope(after, workitem.Enriching)

	d, err := tr.RecordTransition(ctx, &tracker.Transition{
		Transition:    workitem.Transition{From: workitem.Received, To: workitem.Chunked},
		TenantID:      "t1",
		CorrelationID: item.CorrelationID,
		Outbox:        env,
	})
	require.NoError(t, err)
	require.Equal(t, workitem.Accepted, d.Outcome)
	return env
}

func pending(t *testing.T, tr tracker.Tracker) int {
	envs, err := tr.ListOutbox(context.Background(), time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	return len(envs)
}

func TestNewEnvelope(t *testing.T) {
	item := workitem.New("t1", "b1", "Patient", "p1", nil)
	item.Stage = workitem.Chunked

	env := NewEnvelope(item, workitem.Enriching)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, 1, env.StageAttempt)
	assert.False(t, env.Replay)
	assert.NoError(t, env.Validate())

	item.Stage = workitem.Failed
	item.FailedStage = workitem.Enriching
	item.RetryStage = workitem.Enriching
	item.Attempt = 2
	item.StageAttempt = 2
	env = NewEnvelope(item, workitem.Enriching)
	assert.Equal(t, 3, env.Attempt)
	assert.Equal(t, 3, env.StageAttempt)

	item.Stage = workitem.DeadLettered
	env = NewEnvelope(item, workitem.Enriching)
	assert.Equal(t, 1, env.StageAttempt)
	assert.True(t, env.Replay)
}

func TestDispatch(t *testing.T) {
	pub := &fakePublisher{}
	d, tr := setup(t, pub)
	env := chunked(t, tr, "p1")
	require.Equal(t, 1, pending(t, tr))

	out, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Dispatched, out)
	assert.Len(t, pub.sent["acheron.enrich"], 1)
	assert.Equal(t, 0, pending(t, tr))
}

func TestDispatchRetriesPublish(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	d, tr := setup(t, pub)
	env := chunked(t, tr, "p1")

	out, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Dispatched, out)
	assert.Equal(t, 3, pub.calls)
}

func TestDispatchSkipsWhenItemMovedOn(t *testing.T) {
	pub := &fakePublisher{}
	d, tr := setup(t, pub)
	env := chunked(t, tr, "p1")

	_, err := tr.RecordTransition(context.Background(), &tracker.Transition{
		Transition:    workitem.Transition{From: workitem.Chunked, To: workitem.Enriching, Attempt: 1, StageAttempt: 1},
		TenantID:      "t1",
		CorrelationID: env.CorrelationID,
	})
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
	assert.Equal(t, 0, pub.calls)
}

func TestDispatchHonorsCancellation(t *testing.T) {
	pub := &fakePublisher{}
	d, tr := setup(t, pub)
	env := chunked(t, tr, "p1")
	require.NoError(t, tr.CancelBatch(context.Background(), "t1", "b1"))

	out, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out)
	assert.Equal(t, 0, pub.calls)
	assert.Equal(t, 0, pending(t, tr))
}

func TestDispatchExhaustionFailsItem(t *testing.T) {
	pub := &fakePublisher{failures: 100}
	d, tr := setup(t, pub)
	ctx := context.Background()
	env := chunked(t, tr, "p1")
	require.NoError(t, tr.SetBatchTotal(ctx, "t1", "b1", 1))

	out, err := d.Dispatch(ctx, env)
	require.Error(t, err)
	assert.Equal(t, Skipped, out)
	assert.Equal(t, failure.Dispatch, failure.KindOf(err))
	assert.Equal(t, policy.MaxAttempts, pub.calls)

	item, err := tr.GetItem(ctx, "t1", env.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, workitem.Failed, item.Stage)
	assert.True(t, item.Terminal)

	b, err := tr.GetBatchStatus(ctx, "t1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.ErroredCount)
	assert.Len(t, b.Errors, 1)
	assert.Equal(t, workitem.BatchPartiallyFailed, b.Stage)
	assert.Equal(t, 0, pending(t, tr))
}

func TestDispatchRetryExhaustionDeadLetters(t *testing.T) {
	pub := &fakePublisher{}
	d, tr := setup(t, pub)
	ctx := context.Background()
	env := chunked(t, tr, "p1")

	for _, tt := range []workitem.Transition{
		{From: workitem.Chunked, To: workitem.Enriching, Attempt: 1, StageAttempt: 1},
		{From: workitem.Enriching, To: workitem.Failed, Attempt: 1, StageAttempt: 1},
	} {
		_, err := tr.RecordTransition(ctx, &tracker.Transition{Transition: tt, TenantID: "t1", CorrelationID: env.CorrelationID})
		require.NoError(t, err)
	}

	item, err := tr.GetItem(ctx, "t1", env.CorrelationID)
	require.NoError(t, err)

	pub.failures = 100
	_, err = d.Dispatch(ctx, NewEnvelope(item, workitem.Enriching))
	require.Error(t, err)

	item, err = tr.GetItem(ctx, "t1", env.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, workitem.DeadLettered, item.Stage)

	dls, err := tr.ListDeadLetters(ctx, "t1", "b1")
	require.NoError(t, err)
	assert.Len(t, dls, 1)
}

func TestDispatchRejectsForgedCorrelationID(t *testing.T) {
	pub := &fakePublisher{}
	d, tr := setup(t, pub)
	env := chunked(t, tr, "p1")
	env.CorrelationID = workitem.CorrelationID("b1", "Patient", "p2")

	_, err := d.Dispatch(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, failure.Validation, failure.KindOf(err))
	assert.Equal(t, 0, pub.calls)
}

func TestSubmit(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := setup(t, pub)

	err := d.Submit(context.Background(), &message.Envelope{
		TenantID: "t1",
		BatchID:  "b1",
		Stage:    workitem.Received,
		Export:   &message.ExportRef{ObjectKey: "t1/b1/exports/Patient.ndjson"},
	})
	require.NoError(t, err)
	assert.Len(t, pub.sent["acheron.chunk"], 1)

	err = d.Submit(context.Background(), &message.Envelope{TenantID: "t1", BatchID: "b1", Stage: workitem.Received})
	assert.Equal(t, failure.Validation, failure.KindOf(err))
}
