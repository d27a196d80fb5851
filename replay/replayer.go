// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package replay keeps the shadow store in step with the chain by applying
// executor logs block range by block range.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luxfi/shadow/events"
	"github.com/luxfi/shadow/fhe"
	"github.com/luxfi/shadow/store"
)

const tracerName = "github.com/luxfi/shadow/replay"

var (
	ErrUnhealthy     = errors.New("replayer stalled")
	ErrInvalidConfig = errors.New("invalid replay config")
	ErrSource        = errors.New("log source unavailable")
)

// State is the replay loop's position relative to the chain head.
type State uint32

const (
	// CatchingUp applies historical ranges until the head is reached.
	CatchingUp State = iota
	// Idle waits for new blocks.
	Idle
)

func (s State) String() string {
	switch s {
	case CatchingUp:
		return "catchingUp"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Evaluator applies operations to the shadow store.
type Evaluator interface {
	Evaluate(ctx context.Context, op *fhe.Operation) (*big.Int, error)
	RandCounter() uint64
	SetRandCounter(n uint64)
}

// Watermarks persists the resumption point.
type Watermarks interface {
	Watermark() (store.Watermark, error)
	SetWatermark(store.Watermark) error
}

// Config tunes the replay loop.
type Config struct {
	// StartBlock is the first block applied when no watermark exists.
	StartBlock uint64
	// PollInterval is the wait between head checks while idle.
	PollInterval time.Duration
	// MaxBlockRange caps the blocks fetched in one batch.
	MaxBlockRange uint64
	// BatchRetries is how often a batch is re-applied after an operand
	// failed to resolve.
	BatchRetries int
	// RetryDelay is the wait before re-applying a batch.
	RetryDelay time.Duration
	// SkipWatermark keeps the watermark in memory only. Coverage runs
	// replay from StartBlock on every start.
	SkipWatermark bool
}

// DefaultConfig returns the settings shadowd runs with.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		MaxBlockRange: 1000,
		BatchRetries:  3,
		RetryDelay:    500 * time.Millisecond,
	}
}

func (c Config) verify() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.MaxBlockRange == 0:
		return fmt.Errorf("%w: max block range must be positive", ErrInvalidConfig)
	case c.BatchRetries < 0:
		return fmt.Errorf("%w: batch retries must not be negative", ErrInvalidConfig)
	default:
		return nil
	}
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Replayer) {
		r.log = logger
	}
}

// WithRegisterer registers the replay metrics on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(r *Replayer) {
		r.registerer = registerer
	}
}

// WithTracerProvider sets where batch spans are reported.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(r *Replayer) {
		r.tracer = provider.Tracer(tracerName)
	}
}

// WithDecoder replaces the default executor decoder.
func WithDecoder(decoder *events.Decoder) Option {
	return func(r *Replayer) {
		r.decoder = decoder
	}
}

// Replayer applies executor logs in order and advances the watermark only
// once a whole batch has been applied.
type Replayer struct {
	config     Config
	source     LogSource
	evaluator  Evaluator
	watermarks Watermarks
	decoder    *events.Decoder

	log        log.Logger
	registerer prometheus.Registerer
	metrics    *metrics
	tracer     trace.Tracer

	// lock serializes batches and guards watermark
	lock      sync.Mutex
	watermark store.Watermark

	state      atomic.Uint32
	lastActive atomic.Int64
}

// New builds a replayer and reads the committed watermark once. The
// evaluator's rand counter is rewound to the watermark's.
func New(
	config Config,
	source LogSource,
	evaluator Evaluator,
	watermarks Watermarks,
	opts ...Option,
) (*Replayer, error) {
	if err := config.verify(); err != nil {
		return nil, err
	}
	r := &Replayer{
		config:     config,
		source:     source,
		evaluator:  evaluator,
		watermarks: watermarks,
		decoder:    events.NewDecoder(),
		log:        log.NewNoOpLogger(),
		registerer: prometheus.NewRegistry(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, o := range opts {
		o(r)
	}

	var err error
	r.metrics, err = newMetrics("shadow_replay", r.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register replay metrics: %w", err)
	}

	if !config.SkipWatermark {
		r.watermark, err = watermarks.Watermark()
		if err != nil {
			return nil, err
		}
	}
	if r.watermark.Valid {
		evaluator.SetRandCounter(r.watermark.RandCounter)
		r.metrics.watermark.Set(float64(r.watermark.LastBlock))
	} else {
		r.watermark.RandCounter = evaluator.RandCounter()
	}

	r.log.Info("replayer initialized",
		log.String("watermark", r.watermark.String()),
		log.Uint64("nextBlock", r.watermark.Next(config.StartBlock)),
		log.Bool("skipWatermark", config.SkipWatermark),
	)
	r.setState(CatchingUp)
	r.markActive()
	return r, nil
}

// State returns the loop's current state.
func (r *Replayer) State() State {
	return State(r.state.Load())
}

func (r *Replayer) setState(s State) {
	r.state.Store(uint32(s))
	r.metrics.state.Set(float64(s))
}

// Watermark returns the last committed watermark.
func (r *Replayer) Watermark() store.Watermark {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.watermark
}

func (r *Replayer) next() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.watermark.Next(r.config.StartBlock)
}

func (r *Replayer) markActive() {
	r.lastActive.Store(time.Now().UnixNano())
}

// Healthy reports an error when the loop has not completed a cycle within
// threshold.
func (r *Replayer) Healthy(threshold time.Duration) error {
	last := time.Unix(0, r.lastActive.Load())
	if since := time.Since(last); since > threshold {
		return fmt.Errorf("%w: last cycle %s ago in state %s", ErrUnhealthy, since.Round(time.Millisecond), r.State())
	}
	return nil
}

// Run drives the replay loop until ctx is done. Failures to reach the
// chain are retried on the next poll. A batch that cannot be applied ends
// the loop with its error and leaves the watermark before it.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		switch r.State() {
		case CatchingUp:
			head, err := r.source.BlockNumber(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("failed to fetch head", log.Err(err))
				r.setState(Idle)
				continue
			}
			next := r.next()
			if head < next {
				r.log.Debug("caught up", log.Uint64("head", head))
				r.setState(Idle)
				r.markActive()
				continue
			}
			err = r.applyRange(ctx, next, r.rangeEnd(next, head))
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrSource):
				r.log.Warn("failed to fetch logs", log.Err(err))
				r.setState(Idle)
			default:
				r.log.Error("replay stopped",
					log.Uint64("from", next),
					log.Err(err),
				)
				return err
			}

		case Idle:
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			head, err := r.source.BlockNumber(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("failed to poll head", log.Err(err))
				continue
			}
			r.markActive()
			if head >= r.next() {
				r.setState(CatchingUp)
			}
		}
	}
}

// Sync applies everything up to the current head and returns it. It is the
// one-shot form of Run, used to wait for the shadow store to catch up.
func (r *Replayer) Sync(ctx context.Context) (uint64, error) {
	head, err := r.source.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch head: %w", err)
	}
	for next := r.next(); next <= head; next = r.next() {
		if err := r.applyRange(ctx, next, r.rangeEnd(next, head)); err != nil {
			return 0, err
		}
	}
	r.markActive()
	return head, nil
}

func (r *Replayer) rangeEnd(from, head uint64) uint64 {
	if end := from + r.config.MaxBlockRange - 1; end >= from && end < head {
		return end
	}
	return head
}

// applyRange applies the logs of [from, to] and commits the watermark.
// Decode failures abort immediately. A missing operand re-applies the
// whole batch, with the rand counter rewound, up to BatchRetries times;
// writes are insert-if-absent so re-applying is harmless.
func (r *Replayer) applyRange(ctx context.Context, from, to uint64) (err error) {
	ctx, span := r.tracer.Start(ctx, "replay.applyRange", trace.WithAttributes(
		attribute.Int64("from", int64(from)),
		attribute.Int64("to", int64(to)),
	))
	defer func() {
		if err != nil {
			r.metrics.batchFailures.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.lock.Lock()
	defer r.lock.Unlock()

	start := time.Now()
	logs, err := r.source.FilterLogs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("%w: fetching logs [%d, %d]: %w", ErrSource, from, to, err)
	}
	ops, skipped, err := r.decode(logs)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("ops", len(ops)), attribute.Int("skipped", skipped))

	counter := r.watermark.RandCounter
	for attempt := 0; ; attempt++ {
		r.evaluator.SetRandCounter(counter)
		err = r.evaluate(ctx, ops)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrNotFound) || attempt >= r.config.BatchRetries {
			r.evaluator.SetRandCounter(counter)
			return fmt.Errorf("failed to apply blocks [%d, %d]: %w", from, to, err)
		}
		r.metrics.batchRetries.Inc()
		r.log.Warn("retrying batch with unresolved operand",
			log.Uint64("from", from),
			log.Uint64("to", to),
			log.Int("attempt", attempt+1),
			log.Err(err),
		)
		if err := sleep(ctx, r.config.RetryDelay); err != nil {
			r.evaluator.SetRandCounter(counter)
			return err
		}
	}

	w := store.Watermark{
		LastBlock:   to,
		RandCounter: r.evaluator.RandCounter(),
		Valid:       true,
	}
	if !r.config.SkipWatermark {
		if err := r.watermarks.SetWatermark(w); err != nil {
			r.evaluator.SetRandCounter(counter)
			return err
		}
	}
	r.watermark = w

	r.metrics.blocksProcessed.Add(float64(to - from + 1))
	r.metrics.opsApplied.Add(float64(len(ops)))
	r.metrics.logsSkipped.Add(float64(skipped))
	r.metrics.watermark.Set(float64(to))
	r.metrics.batchDuration.Observe(time.Since(start).Seconds())
	r.markActive()

	r.log.Debug("applied blocks",
		log.Uint64("from", from),
		log.Uint64("to", to),
		log.Int("ops", len(ops)),
		log.Int("skipped", skipped),
		log.Duration("duration", time.Since(start)),
	)
	return nil
}

// decode orders logs by position in the chain and decodes all of them
// before anything is evaluated.
func (r *Replayer) decode(logs []types.Log) ([]*fhe.Operation, int, error) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	ops := make([]*fhe.Operation, 0, len(logs))
	skipped := 0
	for i := range logs {
		op, ok, err := r.decoder.Decode(&logs[i])
		if err != nil {
			return nil, 0, fmt.Errorf("block %d log %d: %w", logs[i].BlockNumber, logs[i].Index, err)
		}
		if !ok {
			skipped++
			continue
		}
		ops = append(ops, op)
	}
	return ops, skipped, nil
}

func (r *Replayer) evaluate(ctx context.Context, ops []*fhe.Operation) error {
	for _, op := range ops {
		if _, err := r.evaluator.Evaluate(ctx, op); err != nil {
			return fmt.Errorf("block %d log %d: %w", op.BlockNumber, op.LogIndex, err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
