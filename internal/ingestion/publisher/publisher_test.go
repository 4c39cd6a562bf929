package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/opensearch"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/resilience"
)

type fakeStore struct {
	mu       sync.Mutex
	indexed  map[string]map[string]any
	failIDs  map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{indexed: map[string]map[string]any{}, failIDs: map[string]error{}}
}

func (s *fakeStore) Index(ctx context.Context, index, id string, body any) (json.RawMessage, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.failIDs[id]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.indexed[index+"/"+id] = body.(map[string]any)
	s.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"_id":%q,"result":"created"}`, id)), nil
}

func (s *fakeStore) DeleteDocument(_ context.Context, index, id string) (json.RawMessage, error) {
	if err := s.failIDs[id]; err != nil {
		return nil, err
	}
	return json.RawMessage(`{"result":"deleted"}`), nil
}

func (s *fakeStore) DeleteIndex(_ context.Context, index string) (json.RawMessage, error) {
	return json.RawMessage(`{"acknowledged":true}`), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (n *recordingNotifier) PublishBatch(_ context.Context, events []kafka.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return n.err
}

func docs(ids ...string) []ingestion.Document {
	out := make([]ingestion.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, ingestion.NewDocument(id, map[string]any{"name": id}))
	}
	return out
}

func TestWriteAllKeepsInputOrder(t *testing.T) {
	store := newFakeStore()
	store.failIDs["b"] = errors.New("connection refused")
	p := New(store, Options{Concurrency: 2})

	outcomes := p.WriteAll(context.Background(), "config", docs("a", "b", "c"))
	require.Len(t, outcomes, 3)
	assert.Equal(t, "a", outcomes[0].ID)
	assert.True(t, outcomes[0].OK())
	assert.Equal(t, "b", outcomes[1].ID)
	assert.False(t, outcomes[1].OK())
	assert.True(t, outcomes[2].OK())
	assert.JSONEq(t, `{"_id":"c","result":"created"}`, string(outcomes[2].Response))

	assert.Equal(t, "c", store.indexed["config/c"]["id"])
}

func TestWriteRefusesEmptyID(t *testing.T) {
	store := newFakeStore()
	p := New(store, Options{})

	outcomes := p.WriteAll(context.Background(), "config", docs("", "ok"))
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[0].Err, apperrors.ErrMissingIDField)
	assert.True(t, outcomes[1].OK())
	assert.Len(t, store.indexed, 1)
	assert.NotContains(t, store.indexed, "config/")
}

func TestWriteAllBoundsConcurrency(t *testing.T) {
	store := newFakeStore()
	store.delay = 10 * time.Millisecond
	p := New(store, Options{Concurrency: 3})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%d", i)
	}
	outcomes := p.WriteAll(context.Background(), "idx", docs(ids...))
	require.Len(t, outcomes, 20)
	assert.LessOrEqual(t, store.maxSeen.Load(), int32(3))
	assert.Len(t, store.indexed, 20)
}

func TestWriteAllSurvivesCancelledContext(t *testing.T) {
	store := newFakeStore()
	p := New(store, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := p.WriteAll(ctx, "idx", docs("a", "b"))
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
	}
}

func TestWriteAllEmpty(t *testing.T) {
	p := New(newFakeStore(), Options{})
	assert.Empty(t, p.WriteAll(context.Background(), "idx", nil))
}

func TestChangeEventsForSuccessfulWrites(t *testing.T) {
	store := newFakeStore()
	store.failIDs["b"] = errors.New("boom")
	n := &recordingNotifier{}
	p := New(store, Options{Notifier: n})
	p.nowFn = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	ctx := logger.WithRequestID(context.Background(), "req-7")
	p.WriteAll(ctx, "rules", docs("a", "b"))

	require.Len(t, n.events, 1)
	assert.Equal(t, "rules", n.events[0].Key)
	ev := n.events[0].Value.(ingestion.ChangeEvent)
	assert.Equal(t, ingestion.ActionUpserted, ev.Action)
	assert.Equal(t, "a", ev.DocumentID)
	assert.Equal(t, "req-7", ev.RequestID)
}

func TestNotifierFailureDoesNotFailWrite(t *testing.T) {
	n := &recordingNotifier{err: errors.New("broker down")}
	p := New(newFakeStore(), Options{Notifier: n})

	o := p.Write(context.Background(), "idx", docs("a")[0])
	assert.NoError(t, o.Err)
}

func TestDeletes(t *testing.T) {
	n := &recordingNotifier{}
	p := New(newFakeStore(), Options{Notifier: n})

	resp, err := p.DeleteIndex(context.Background(), "rules")
	require.NoError(t, err)
	assert.JSONEq(t, `{"acknowledged":true}`, string(resp))

	resp, err = p.DeleteDocument(context.Background(), "rules", "greet-user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"deleted"}`, string(resp))

	require.Len(t, n.events, 2)
	assert.Equal(t, ingestion.ActionIndexDeleted, n.events[0].Value.(ingestion.ChangeEvent).Action)
	assert.Equal(t, ingestion.ActionDeleted, n.events[1].Value.(ingestion.ChangeEvent).Action)
}

func TestDeleteDocumentError(t *testing.T) {
	store := newFakeStore()
	store.failIDs["missing"] = &opensearch.ResponseError{Op: "delete document", Status: 404, Body: "{}"}
	n := &recordingNotifier{}
	p := New(store, Options{Notifier: n})

	_, err := p.DeleteDocument(context.Background(), "rules", "missing")
	assert.True(t, opensearch.IsClientError(err))
	assert.Empty(t, n.events)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	store := newFakeStore()
	store.failIDs["bad"] = &opensearch.ResponseError{Op: "index", Status: 400, Body: "mapper_parsing_exception"}
	store.failIDs["down"] = errors.New("connection refused")
	cb := resilience.NewCircuitBreaker("store", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		IsFailure:        func(err error) bool { return !opensearch.IsClientError(err) },
	})
	p := New(store, Options{Concurrency: 1, Breaker: cb})

	p.WriteAll(context.Background(), "idx", docs("bad", "bad", "bad"))
	assert.Equal(t, resilience.StateClosed, cb.GetState())

	p.WriteAll(context.Background(), "idx", docs("down", "down"))
	assert.Equal(t, resilience.StateOpen, cb.GetState())

	o := p.Write(context.Background(), "idx", docs("ok")[0])
	assert.ErrorIs(t, o.Err, resilience.ErrCircuitOpen)
}

func TestTimeoutFailsSlowWrite(t *testing.T) {
	store := newFakeStore()
	store.delay = 200 * time.Millisecond
	p := New(store, Options{Timeout: 20 * time.Millisecond})

	o := p.Write(context.Background(), "idx", docs("slow")[0])
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := newFakeStore()
	store.failIDs["b"] = errors.New("boom")
	p := New(store, Options{Metrics: m})

	p.WriteAll(context.Background(), "idx", docs("a", "b", "c"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DocumentsTotal.WithLabelValues("idx", "written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentsTotal.WithLabelValues("idx", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreLatency))
}
