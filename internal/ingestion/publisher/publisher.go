// Package publisher writes normalized documents to the document store. Bulk
// batches are fanned out with bounded concurrency, every write is reported
// individually, and successful mutations are announced on the change feed.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/resilience"
)

const defaultConcurrency = 8

// Store is the part of the document store client the publisher needs.
type Store interface {
	Index(ctx context.Context, index, id string, body any) (json.RawMessage, error)
	DeleteDocument(ctx context.Context, index, id string) (json.RawMessage, error)
	DeleteIndex(ctx context.Context, index string) (json.RawMessage, error)
}

// Notifier receives change events after successful writes.
type Notifier interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Options configures a Publisher. Zero values disable the optional parts.
type Options struct {
	Concurrency int
	Timeout     time.Duration
	Breaker     *resilience.CircuitBreaker
	Notifier    Notifier
	Metrics     *metrics.Metrics
}

// Publisher coordinates store writes and change-feed events.
type Publisher struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	nowFn    func() time.Time
	notifier Notifier
}

// New creates a Publisher writing to store.
func New(store Store, opts Options) *Publisher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Publisher{
		store:    store,
		opts:     opts,
		notifier: opts.Notifier,
		logger:   slog.Default().With("component", "publisher"),
		nowFn:    time.Now,
	}
}

// WriteAll writes every document to index and returns one outcome per
// document, in input order. It always waits for all writes. Writes already
// dispatched are not abandoned when ctx is cancelled.
func (p *Publisher) WriteAll(ctx context.Context, index string, docs []ingestion.Document) []ingestion.WriteOutcome {
	outcomes := make([]ingestion.WriteOutcome, len(docs))
	if len(docs) == 0 {
		return outcomes
	}
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			outcomes[i] = p.write(ctx, index, doc)
			return nil
		})
	}
	_ = g.Wait()

	written, failed := 0, 0
	events := make([]kafka.Event, 0, len(outcomes))
	for _, o := range outcomes {
		if !o.OK() {
			failed++
			p.logger.Warn("document write failed",
				"index", index,
				"doc_id", o.ID,
				"request_id", logger.RequestID(ctx),
				"error", o.Err,
			)
			continue
		}
		written++
		events = append(events, p.event(ctx, ingestion.ActionUpserted, index, o.ID))
	}
	p.countDocuments(index, "written", written)
	p.countDocuments(index, "failed", failed)
	p.notify(ctx, events)

	p.logger.Info("batch written",
		"index", index,
		"written", written,
		"failed", failed,
		"request_id", logger.RequestID(ctx),
	)
	return outcomes
}

// Write writes a single document.
func (p *Publisher) Write(ctx context.Context, index string, doc ingestion.Document) ingestion.WriteOutcome {
	return p.WriteAll(ctx, index, []ingestion.Document{doc})[0]
}

// DeleteIndex removes index and everything in it.
func (p *Publisher) DeleteIndex(ctx context.Context, index string) (json.RawMessage, error) {
	resp, err := p.call(ctx, "delete_index", func(ctx context.Context) (json.RawMessage, error) {
		return p.store.DeleteIndex(ctx, index)
	})
	if err != nil {
		return nil, err
	}
	p.notify(ctx, []kafka.Event{p.event(ctx, ingestion.ActionIndexDeleted, index, "")})
	return resp, nil
}

// DeleteDocument removes one document from index.
func (p *Publisher) DeleteDocument(ctx context.Context, index, id string) (json.RawMessage, error) {
	resp, err := p.call(ctx, "delete_document", func(ctx context.Context) (json.RawMessage, error) {
		return p.store.DeleteDocument(ctx, index, id)
	})
	if err != nil {
		return nil, err
	}
	p.notify(ctx, []kafka.Event{p.event(ctx, ingestion.ActionDeleted, index, id)})
	return resp, nil
}

func (p *Publisher) write(ctx context.Context, index string, doc ingestion.Document) ingestion.WriteOutcome {
	if doc.ID == "" {
		return ingestion.WriteOutcome{Err: fmt.Errorf("%w: refusing to write a document without an id", apperrors.ErrMissingIDField)}
	}
	resp, err := p.call(ctx, "index", func(ctx context.Context) (json.RawMessage, error) {
		return p.store.Index(ctx, index, doc.ID, doc.Body)
	})
	return ingestion.WriteOutcome{ID: doc.ID, Response: resp, Err: err}
}

// call runs one store operation under the breaker and the per-call timeout,
// and records its latency. Every error it returns matches ErrStore.
func (p *Publisher) call(ctx context.Context, op string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		if p.opts.Metrics != nil {
			p.opts.Metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	result := make(chan json.RawMessage, 1)
	run := func() error {
		return resilience.WithTimeout(ctx, p.opts.Timeout, "store "+op, func(ctx context.Context) error {
			resp, err := fn(ctx)
			if err != nil {
				return err
			}
			result <- resp
			return nil
		})
	}

	var err error
	if p.opts.Breaker != nil {
		err = p.opts.Breaker.Execute(run)
	} else {
		err = run()
	}
	if err != nil {
		if !errors.Is(err, apperrors.ErrStore) {
			err = apperrors.Wrap(apperrors.ErrStore, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return <-result, nil
}

func (p *Publisher) event(ctx context.Context, action ingestion.ChangeAction, index, id string) kafka.Event {
	return kafka.Event{
		Key: index,
		Value: ingestion.ChangeEvent{
			Action:     action,
			Index:      index,
			DocumentID: id,
			RequestID:  logger.RequestID(ctx),
			OccurredAt: p.nowFn().UTC(),
		},
	}
}

// notify publishes events on the change feed. Failures are logged and never
// reach the caller: the store write has already happened.
func (p *Publisher) notify(ctx context.Context, events []kafka.Event) {
	if p.notifier == nil || len(events) == 0 {
		return
	}
	if err := p.notifier.PublishBatch(context.WithoutCancel(ctx), events); err != nil {
		p.logger.Error("failed to publish change events",
			"count", len(events),
			"request_id", logger.RequestID(ctx),
			"error", err,
		)
	}
}

func (p *Publisher) countDocuments(index, result string, n int) {
	if p.opts.Metrics == nil || n == 0 {
		return
	}
	p.opts.Metrics.DocumentsTotal.WithLabelValues(index, result).Add(float64(n))
}
