package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValerySidorin/acheron/pkg/enrich/model"
	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL, Token: "secret", Timeout: 200 * time.Millisecond}, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

var ec = model.Context{BatchID: "b1", ResourceType: "Patient", ResourceID: "p1"}

func TestEnrichSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "t1", r.Header.Get("X-Tenant-ID"))

		in := request{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "p1", in.ResourceID)

		_ = json.NewEncoder(w).Encode(response{
			Resource:     json.RawMessage(`{"resourceType":"Patient","id":"p1","enriched":true}`),
			QualityScore: 0.9,
			Embeddings:   [][]float32{{0.1, 0.2}},
		})
	})

	res, err := c.Enrich(context.Background(), "t1", []byte(`{"resourceType":"Patient","id":"p1"}`), ec)
	require.NoError(t, err)
	assert.Equal(t, 0.9, res.QualityScore)
	assert.JSONEq(t, `{"resourceType":"Patient","id":"p1","enriched":true}`, string(res.Payload))
	assert.Len(t, res.Embeddings, 1)
}

func TestEnrichClassifiesFailures(t *testing.T) {
	tests := []struct {
		status int
		kind   failure.Kind
	}{
		{http.StatusTooManyRequests, failure.Transient},
		{http.StatusServiceUnavailable, failure.Transient},
		{http.StatusInternalServerError, failure.Transient},
		{http.StatusBadRequest, failure.Permanent},
		{http.StatusUnprocessableEntity, failure.Permanent},
	}

	for _, v := range tests {
		calls := 0
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(v.status)
		})

		_, err := c.Enrich(context.Background(), "t1", []byte(`{}`), ec)
		require.Error(t, err)
		assert.Equal(t, v.kind, failure.KindOf(err), "status %d", v.status)
		assert.Equal(t, 1, calls, "the client must not retry on its own")
	}
}

func TestEnrichTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	_, err := c.Enrich(context.Background(), "t1", []byte(`{}`), ec)
	require.Error(t, err)
	assert.Equal(t, failure.Transient, failure.KindOf(err))
}

func TestEnrichMalformedResponseIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resource":`))
	})

	_, err := c.Enrich(context.Background(), "t1", []byte(`{}`), ec)
	require.Error(t, err)
	assert.Equal(t, failure.Permanent, failure.KindOf(err))
}

func TestEnrichRetriesRejectedCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(response{Resource: json.RawMessage(`{"id":"p1"}`), QualityScore: 1})
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL, Timeout: time.Second, MaxRetries: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, log.NewNopLogger())
	require.NoError(t, err)

	res, err := c.Enrich(context.Background(), "t1", []byte(`{"id":"p1"}`), ec)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.QualityScore)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEnrichDoesNotRetryAcceptedCalls(t *testing.T) {
	tests := []struct {
		status int
		kind   failure.Kind
		calls  int32
	}{
		{http.StatusInternalServerError, failure.Transient, 1},
		{http.StatusBadRequest, failure.Permanent, 1},
		// Turned away every time: retried, then classified.
		{http.StatusServiceUnavailable, failure.Transient, 3},
	}

	for _, v := range tests {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(v.status)
		}))

		c, err := NewClient(Config{URL: srv.URL, Timeout: time.Second, MaxRetries: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, log.NewNopLogger())
		require.NoError(t, err)

		_, err = c.Enrich(context.Background(), "t1", []byte(`{"id":"p1"}`), ec)
		assert.Equal(t, v.kind, failure.KindOf(err), v.status)
		assert.Equal(t, v.calls, atomic.LoadInt32(&calls), v.status)
		srv.Close()
	}
}

func TestRefusedConnectionIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{URL: url, Timeout: time.Second, MaxRetries: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, log.NewNopLogger())
	require.NoError(t, err)

	_, err = c.Enrich(context.Background(), "t1", []byte(`{"id":"p1"}`), ec)
	assert.True(t, failure.Is(err, failure.Transient))

	retry, _ := checkRetry(context.Background(), nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.True(t, retry)
	retry, _ = checkRetry(context.Background(), nil, &net.OpError{Op: "read", Err: errors.New("connection reset")})
	assert.False(t, retry)
}
