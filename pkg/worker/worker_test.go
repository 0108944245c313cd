package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/ValerySidorin/acheron/pkg/queue/message"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	env       *message.Envelope
	delivered int

	mu      sync.Mutex
	settled string
	delay   time.Duration
	touched time.Time
	touches int
}

func (d *fakeDelivery) Envelope() *message.Envelope { return d.env }
func (d *fakeDelivery) NumDelivered() int           { return d.delivered }

func (d *fakeDelivery) set(s string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = s
	d.delay = delay
	return nil
}

func (d *fakeDelivery) InProgress(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = time.Now()
	d.touches++
	return nil
}

// idleFor reports how long an unsettled delivery went without a heartbeat.
func (d *fakeDelivery) idleFor() (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.touched), d.settled == ""
}

func (d *fakeDelivery) Ack(ctx context.Context) error { return d.set("ack", 0) }
func (d *fakeDelivery) Nack(ctx context.Context, delay time.Duration) error {
	return d.set("nack", delay)
}
func (d *fakeDelivery) Term(ctx context.Context) error { return d.set("term", 0) }

func (d *fakeDelivery) result() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *fakeDelivery) nackDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}

type fakeClient struct {
	mu        sync.Mutex
	pending   []message.Delivery
	published map[string]int
}

func (c *fakeClient) Publish(ctx context.Context, topic string, env *message.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = map[string]int{}
	}
	c.published[topic]++
	return nil
}

func (c *fakeClient) Fetch(ctx context.Context, topic string, max int) ([]message.Delivery, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := max
		if n > len(c.pending) {
			n = len(c.pending)
		}
		out := c.pending[:n]
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) push(d message.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, d)
}

type fakeHandler struct {
	mu        sync.Mutex
	err       error
	handled   int
	abandoned int
	takes     time.Duration
}

func (h *fakeHandler) Handle(ctx context.Context, env *message.Envelope) error {
	h.mu.Lock()
	h.handled++
	err, takes := h.err, h.takes
	h.mu.Unlock()

	time.Sleep(takes)
	return err
}

func (h *fakeHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled, h.abandoned
}

func (h *fakeHandler) Abandon(ctx context.Context, env *message.Envelope, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned++
	return nil
}

var cfg = Config{MaxInFlight: 4, FetchBatch: 2, DeliveryCeiling: 3, NackDelay: time.Second, DrainTimeout: time.Second}

func envelope() *message.Envelope {
	item := workitem.New("t1", "b1", "Patient", "p1", nil)
	item.Stage = workitem.Chunked
	return &message.Envelope{
		TenantID:      "t1",
		BatchID:       "b1",
		CorrelationID: item.CorrelationID,
		Stage:         workitem.Enriching,
		Attempt:       1,
		StageAttempt:  1,
		Item:          item,
	}
}

func newWorker(t *testing.T, c *fakeClient, h *fakeHandler) *Worker {
	w, err := New(cfg, workitem.Enriching, c, h, nil, log.NewNopLogger())
	require.NoError(t, err)
	return w
}

func TestProcess(t *testing.T) {
	future := envelope()
	future.NotBefore = time.Now().Add(time.Minute)

	tests := []struct {
		name      string
		env       *message.Envelope
		delivered int
		err       error
		result    string
		handled   int
		abandoned int
	}{
		{"success", envelope(), 1, nil, "ack", 1, 0},
		{"failure", envelope(), 1, errors.New("tracker down"), "nack", 1, 0},
		{"in progress elsewhere", envelope(), 1, failure.New(failure.Duplicate, "claimed"), "nack", 1, 0},
		{"not yet due", future, 1, nil, "nack", 0, 0},
		{"at ceiling", envelope(), 3, nil, "ack", 1, 0},
		{"over ceiling", envelope(), 4, nil, "term", 0, 1},
	}

	for _, v := range tests {
		c := &fakeClient{}
		h := &fakeHandler{err: v.err}
		w := newWorker(t, c, h)

		d := &fakeDelivery{env: v.env, delivered: v.delivered}
		w.process(context.Background(), d)

		assert.Equal(t, v.result, d.result(), v.name)
		assert.Equal(t, v.handled, h.handled, v.name)
		assert.Equal(t, v.abandoned, h.abandoned, v.name)
		if v.abandoned > 0 {
			assert.Equal(t, 1, c.published["acheron.dlq.enrich"], v.name)
		}
	}
}

func TestDeferredDeliveryWaitsForClaim(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		delay time.Duration
	}{
		{"claim about to expire", failure.Deferred("claimed", time.Millisecond), cfg.NackDelay},
		{"claim held for long", failure.Deferred("claimed", 3*time.Minute), 3 * time.Minute},
		{"no claim age", failure.New(failure.Duplicate, "claimed"), cfg.NackDelay},
	}

	for _, v := range tests {
		w := newWorker(t, &fakeClient{}, &fakeHandler{err: v.err})
		d := &fakeDelivery{env: envelope(), delivered: 1}
		w.process(context.Background(), d)

		assert.Equal(t, "nack", d.result(), v.name)
		assert.Equal(t, v.delay, d.nackDelay(), v.name)
	}
}

// redeliverIdle plays the queue's visibility timeout: an unsettled
// delivery without a heartbeat for ackWait is handed out again.
func redeliverIdle(ctx context.Context, c *fakeClient, d *fakeDelivery, ackWait time.Duration) {
	delivered := d.delivered
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}

		idle, open := d.idleFor()
		if !open {
			return
		}
		if idle > ackWait {
			delivered++
			_ = d.InProgress(ctx)
			c.push(&fakeDelivery{env: d.env, delivered: delivered})
		}
	}
}

func TestSlowHandlerIsNotRedelivered(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat time.Duration
		abandoned bool
	}{
		{"with heartbeat", 5 * time.Millisecond, false},
		{"without heartbeat", 0, true},
	}

	for _, v := range tests {
		c := &fakeClient{}
		h := &fakeHandler{takes: 300 * time.Millisecond}

		wcfg := cfg
		wcfg.HeartbeatInterval = v.heartbeat
		w, err := New(wcfg, workitem.Enriching, c, h, nil, log.NewNopLogger())
		require.NoError(t, err)

		d := &fakeDelivery{env: envelope(), delivered: 1, touched: time.Now()}
		c.push(d)

		ctx, cancel := context.WithCancel(context.Background())
		go redeliverIdle(ctx, c, d, 40*time.Millisecond)
		require.NoError(t, services.StartAndAwaitRunning(context.Background(), w))

		require.Eventually(t, func() bool { return d.result() != "" }, 5*time.Second, 5*time.Millisecond, v.name)
		if v.abandoned {
			assert.Eventually(t, func() bool {
				_, abandoned := h.counts()
				return abandoned > 0
			}, 5*time.Second, 5*time.Millisecond, v.name)
		}

		cancel()
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), w))

		handled, abandoned := h.counts()
		if !v.abandoned {
			assert.Equal(t, "ack", d.result(), v.name)
			assert.Equal(t, 1, handled, v.name)
			assert.Zero(t, abandoned, v.name)
		}
	}
}

func TestRunningDrainsQueue(t *testing.T) {
	ds := make([]*fakeDelivery, 0, 10)
	c := &fakeClient{}
	for i := 0; i < 10; i++ {
		d := &fakeDelivery{env: envelope(), delivered: 1}
		ds = append(ds, d)
		c.pending = append(c.pending, d)
	}

	h := &fakeHandler{}
	w := newWorker(t, c, h)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), w))

	assert.Eventually(t, func() bool {
		for _, d := range ds {
			if d.result() != "ack" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), w))
	assert.Equal(t, 10, h.handled)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, cfg.Validate())
	assert.Error(t, (&Config{MaxInFlight: 0, FetchBatch: 1}).Validate())
	assert.Error(t, (&Config{MaxInFlight: 1, FetchBatch: 0}).Validate())
	assert.Error(t, (&Config{MaxInFlight: 1, FetchBatch: 1, DeliveryCeiling: 2}).Validate())
	assert.Error(t, (&Config{MaxInFlight: 1, FetchBatch: 1, HeartbeatInterval: -time.Second}).Validate())
	assert.NoError(t, (&Config{MaxInFlight: 1, FetchBatch: 1}).Validate())
}
