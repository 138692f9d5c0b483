// Package reconciler decides where a write ends up: in the remote store, in
// the local spool for later replay, or nowhere for best effort kinds. It also
// replays the spool against the same store write path.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github/martinmaurice/spoolr/pkg/config"
	"github/martinmaurice/spoolr/pkg/enum"
	"github/martinmaurice/spoolr/pkg/idempotency"
	"github/martinmaurice/spoolr/pkg/metrics"
	"github/martinmaurice/spoolr/pkg/retrier"
	"github/martinmaurice/spoolr/pkg/spool"
	"github/martinmaurice/spoolr/pkg/store"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownKind = errors.New("unknown kind")
	ErrRejected    = errors.New("write rejected")
	ErrSpoolFailed = errors.New("failed to spool write")
)

type Request struct {
	Kind    string
	Scope   string
	Payload any
}

type Result struct {
	Status         enum.WriteStatus `json:"status"`
	ID             string           `json:"id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type Driver struct {
	store      store.Writer
	spool      *spool.Spool
	kinds      map[string]config.KindConfig
	policies   map[enum.Durability]retrier.Policy
	drainBatch int
	metrics    *metrics.Metrics

	draining atomic.Bool
	wg       sync.WaitGroup
}

type Option func(d *Driver)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

func New(cfg *config.Config, st store.Writer, sp *spool.Spool, opts ...Option) *Driver {
	policies := make(map[enum.Durability]retrier.Policy, len(cfg.Retry))
	for durability, retryCfg := range cfg.Retry {
		policies[durability] = retrier.FromConfig(retryCfg)
	}

	d := &Driver{
		store:      st,
		spool:      sp,
		kinds:      cfg.Kinds,
		policies:   policies,
		drainBatch: max(1, cfg.Spool.DrainBatch),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(prometheus.NewRegistry())
	}

	return d
}

// Kind returns the settings of a declared kind.
func (d *Driver) Kind(name string) (config.KindConfig, bool) {
	kind, ok := d.kinds[name]
	return kind, ok
}

// Write stores req remotely, retrying transient failures with the policy of the
// kind's durability. Once retries are exhausted a durable write is spooled and
// reported as Queued, a best effort one is Discarded. Neither is an error.
func (d *Driver) Write(ctx context.Context, req Request) (Result, error) {
	kind, ok := d.kinds[req.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	key, err := idempotency.Key(req.Scope, req.Payload)
	if err != nil {
		d.metrics.Writes.WithLabelValues(req.Kind, "rejected").Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	r := &retrier.Retrier{
		IsPermanent: store.IsPermanent,
		OnRetry: func(attempt int, err error) {
			slog.Warn("store write failed, retrying", "kind", req.Kind, "key", key, "attempt", attempt, "error", err)
			d.metrics.Retries.WithLabelValues(req.Kind).Inc()
		},
	}

	id, err := retrier.DoValue(ctx, r, d.policies[kind.Durability], func(ctx context.Context) (string, error) {
		return d.store.Write(ctx, req.Kind, key, req.Payload)
	})
	if err == nil {
		d.metrics.Writes.WithLabelValues(req.Kind, enum.Stored.String()).Inc()
		d.Trigger()
		return Result{Status: enum.Stored, ID: id, IdempotencyKey: key}, nil
	}

	if store.IsPermanent(err) {
		d.metrics.Writes.WithLabelValues(req.Kind, "rejected").Inc()
		return Result{IdempotencyKey: key}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if kind.Durability == enum.BestEffort {
		slog.Warn("best effort write discarded", "kind", req.Kind, "key", key, "error", err)
		d.metrics.Writes.WithLabelValues(req.Kind, enum.Discarded.String()).Inc()
		return Result{Status: enum.Discarded, IdempotencyKey: key}, nil
	}

	if spoolErr := d.spool.Enqueue(req.Kind, key, req.Payload, err); spoolErr != nil {
		slog.Error("failed to spool write, it is lost", "kind", req.Kind, "key", key, "error", spoolErr, "cause", err)
		return Result{IdempotencyKey: key}, fmt.Errorf("%w: %w", ErrSpoolFailed, spoolErr)
	}

	slog.Warn("store unavailable, write queued", "kind", req.Kind, "key", key, "error", err)
	d.metrics.SpoolEnqueued.WithLabelValues(req.Kind).Inc()
	d.metrics.SpoolPending.Inc()
	d.metrics.Writes.WithLabelValues(req.Kind, enum.Queued.String()).Inc()
	return Result{Status: enum.Queued, IdempotencyKey: key}, nil
}

// Trigger starts a background drain of one batch unless one is already
// running or the spool is busy. It never blocks.
func (d *Driver) Trigger() {
	if !d.draining.CompareAndSwap(false, true) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.draining.Store(false)

		applied, err := d.spool.TryDrain(context.Background(), d.apply, d.drainBatch)
		if errors.Is(err, spool.ErrBusy) {
			return
		}
		d.afterDrain(applied, err)
	}()
}

// Drain replays one batch, waiting for the spool if it is busy.
func (d *Driver) Drain(ctx context.Context) (int, error) {
	applied, err := d.spool.Drain(ctx, d.apply, d.drainBatch)
	d.afterDrain(applied, err)
	return applied, err
}

// Run drains every interval until ctx is done.
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = d.Drain(ctx)
		}
	}
}

// Wait blocks until background drains started by Trigger are done.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) Pending() (int, error) {
	return d.spool.Pending()
}

func (d *Driver) SpoolPath() string {
	return d.spool.Path()
}

// apply replays one spooled record with a single store attempt. Records of a
// kind that is no longer declared are dropped.
func (d *Driver) apply(ctx context.Context, rec spool.Record) error {
	if _, ok := d.kinds[rec.Kind]; !ok {
		slog.Warn("dropping spooled record of unknown kind", "kind", rec.Kind, "key", rec.IdempotencyKey)
		d.metrics.Drained.WithLabelValues("dropped").Inc()
		return nil
	}

	key := rec.IdempotencyKey
	if key == "" {
		key = idempotency.Hash(rec.Kind, string(rec.Payload))
	}

	if _, err := d.store.Write(ctx, rec.Kind, key, rec.Payload); err != nil {
		d.metrics.Drained.WithLabelValues("failed").Inc()
		return err
	}

	d.metrics.Drained.WithLabelValues("applied").Inc()
	return nil
}

func (d *Driver) afterDrain(applied int, err error) {
	if err != nil {
		slog.Error("spool drain failed", "error", err, "path", d.spool.Path())
	}
	if applied > 0 {
		slog.Info("spool drained", "applied", applied)
	}

	pending, pendingErr := d.spool.Pending()
	if pendingErr == nil {
		d.metrics.SpoolPending.Set(float64(pending))
	}
}
