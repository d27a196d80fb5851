// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/luxfi/shadow/events"
	"github.com/luxfi/shadow/fhe"
	"github.com/luxfi/shadow/shadow"
	"github.com/luxfi/shadow/store"
)

var (
	executor = common.HexToAddress("0x05fD9B5EFE0a996095f42Ed7e77c390810CF660c")
	caller   = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

// chain is an in-memory log source.
type chain struct {
	lock sync.Mutex
	logs map[uint64][]types.Log
	head atomic.Uint64
}

func newChain() *chain {
	return &chain{logs: make(map[uint64][]types.Log)}
}

func (c *chain) emit(t *testing.T, block uint64, name string, args ...interface{}) {
	t.Helper()
	log, err := events.Pack(executor, name, append([]interface{}{caller}, args...)...)
	require.NoError(t, err)

	c.lock.Lock()
	defer c.lock.Unlock()
	log.BlockNumber = block
	log.Index = uint(len(c.logs[block]))
	c.logs[block] = append(c.logs[block], *log)
	if block > c.head.Load() {
		c.head.Store(block)
	}
}

func (c *chain) blockNumber(context.Context) (uint64, error) {
	return c.head.Load(), nil
}

func (c *chain) filter(_ context.Context, from, to uint64) ([]types.Log, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []types.Log
	// newest first, so the replayer has to restore chain order
	for b := to; b >= from && b != 0; b-- {
		logs := c.logs[b]
		for i := len(logs) - 1; i >= 0; i-- {
			out = append(out, logs[i])
		}
	}
	return out, nil
}

func (c *chain) source(ctrl *gomock.Controller) *MockLogSource {
	source := NewMockLogSource(ctrl)
	source.EXPECT().BlockNumber(gomock.Any()).DoAndReturn(c.blockNumber).AnyTimes()
	source.EXPECT().FilterLogs(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(c.filter).AnyTimes()
	return source
}

func testConfig() Config {
	return Config{
		StartBlock:    1,
		PollInterval:  5 * time.Millisecond,
		MaxBlockRange: 100,
		BatchRetries:  1,
		RetryDelay:    time.Millisecond,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("", store.WithRetry(2, time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func handle(name string, typ fhe.Type) common.Hash {
	return fhe.MakeHandle([]byte(name), typ)
}

func requireShadow(t *testing.T, s *store.Store, h common.Hash, expected int64) {
	t.Helper()
	v, err := s.Lookup(h)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(expected).String(), v.String())
}

func TestSyncAppliesInOrder(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint8)
	b := handle("b", fhe.Uint8)
	sum := handle("sum", fhe.Uint8)
	flipped := handle("flipped", fhe.Uint8)

	c.emit(t, 1, "TrivialEncrypt", big.NewInt(200), uint8(fhe.Uint8), a)
	c.emit(t, 2, "TrivialEncrypt", big.NewInt(100), uint8(fhe.Uint8), b)
	c.emit(t, 2, "FheAdd", a, b, events.HandleByte, sum)
	c.emit(t, 3, "FheNot", sum, flipped)

	s := newTestStore(t)
	r, err := New(testConfig(), c.source(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	head, err := r.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	requireShadow(t, s, sum, 44)
	requireShadow(t, s, flipped, 211)

	w, err := s.Watermark()
	require.NoError(t, err)
	require.Equal(t, store.Watermark{LastBlock: 3, Valid: true}, w)
	require.Equal(t, w, r.Watermark())
}

func TestSyncSplitsRanges(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockLogSource(ctrl)
	source.EXPECT().BlockNumber(gomock.Any()).Return(uint64(5), nil)
	gomock.InOrder(
		source.EXPECT().FilterLogs(gomock.Any(), uint64(1), uint64(2)).Return(nil, nil),
		source.EXPECT().FilterLogs(gomock.Any(), uint64(3), uint64(4)).Return(nil, nil),
		source.EXPECT().FilterLogs(gomock.Any(), uint64(5), uint64(5)).Return(nil, nil),
	)

	config := testConfig()
	config.MaxBlockRange = 2
	s := newTestStore(t)
	r, err := New(config, source, shadow.New(s), s)
	require.NoError(t, err)

	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.Watermark().LastBlock)
}

// TestReplayIdempotent tests that replaying an applied range changes nothing
func TestReplayIdempotent(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint16)
	doubled := handle("doubled", fhe.Uint16)
	c.emit(t, 1, "TrivialEncrypt", big.NewInt(21), uint8(fhe.Uint16), a)
	c.emit(t, 1, "FheMul", a, common.BigToHash(big.NewInt(2)), events.ScalarByte, doubled)

	s := newTestStore(t)
	ctrl := gomock.NewController(t)
	r, err := New(testConfig(), c.source(ctrl), shadow.New(s), s)
	require.NoError(t, err)
	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	requireShadow(t, s, doubled, 42)

	// rewind as if the watermark write had been lost
	require.NoError(t, s.SetWatermark(store.Watermark{}))
	r, err = New(testConfig(), c.source(ctrl), shadow.New(s), s)
	require.NoError(t, err)
	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	requireShadow(t, s, doubled, 42)
	requireShadow(t, s, a, 21)
}

func TestBatchNotCommittedOnMissingOperand(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint8)
	c.emit(t, 1, "TrivialEncrypt", big.NewInt(1), uint8(fhe.Uint8), a)
	c.emit(t, 2, "FheAdd", a, handle("never", fhe.Uint8), events.HandleByte, handle("sum", fhe.Uint8))

	s := newTestStore(t)
	evaluator := shadow.New(s)
	r, err := New(testConfig(), c.source(gomock.NewController(t)), evaluator, s)
	require.NoError(t, err)

	_, err = r.Sync(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)

	// the range holding the failure was fetched as one batch
	w, err := s.Watermark()
	require.NoError(t, err)
	require.False(t, w.Valid)
	require.False(t, r.Watermark().Valid)
	require.Zero(t, evaluator.RandCounter())
}

func TestBatchRetryResolvesLateOperand(t *testing.T) {
	c := newChain()
	late := handle("late", fhe.Uint32)
	result := handle("result", fhe.Uint32)
	c.emit(t, 1, "FheNeg", late, result)

	s := newTestStore(t)
	config := testConfig()
	config.BatchRetries = 20
	config.RetryDelay = 5 * time.Millisecond
	r, err := New(config, c.source(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = s.Put(late, big.NewInt(1), store.IfAbsent)
	}()

	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	requireShadow(t, s, result, 1<<32-1)
	require.Equal(t, uint64(1), r.Watermark().LastBlock)
}

func TestDecodeErrorSurfaces(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint8)
	c.emit(t, 1, "FheAdd", a, a, [1]byte{0x09}, handle("bad", fhe.Uint8))

	s := newTestStore(t)
	r, err := New(testConfig(), c.source(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	_, err = r.Sync(context.Background())
	require.ErrorIs(t, err, events.ErrDecode)
	require.False(t, r.Watermark().Valid)
}

func TestSkipWatermark(t *testing.T) {
	c := newChain()
	c.emit(t, 4, "TrivialEncrypt", big.NewInt(1), uint8(fhe.Bool), handle("t", fhe.Bool))

	s := newTestStore(t)
	require.NoError(t, s.SetWatermark(store.Watermark{LastBlock: 10, Valid: true}))

	config := testConfig()
	config.SkipWatermark = true
	r, err := New(config, c.source(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	requireShadow(t, s, handle("t", fhe.Bool), 1)
	require.Equal(t, uint64(4), r.Watermark().LastBlock)

	w, err := s.Watermark()
	require.NoError(t, err)
	require.Equal(t, uint64(10), w.LastBlock)
}

func TestRandCounterResumes(t *testing.T) {
	c := newChain()
	seed := [16]byte{7}
	c.emit(t, 1, "FheRand", uint8(fhe.Uint64), seed, handle("r1", fhe.Uint64))
	c.emit(t, 2, "FheRandBounded", big.NewInt(100), uint8(fhe.Uint64), seed, handle("r2", fhe.Uint64))

	s := newTestStore(t)
	ctrl := gomock.NewController(t)
	r, err := New(testConfig(), c.source(ctrl), shadow.New(s), s)
	require.NoError(t, err)
	_, err = r.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Watermark().RandCounter)

	// a fresh process picks the counter up from the watermark
	evaluator := shadow.New(s)
	_, err = New(testConfig(), c.source(ctrl), evaluator, s)
	require.NoError(t, err)
	require.Equal(t, uint64(2), evaluator.RandCounter())
}

func TestRunFollowsHead(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint8)
	c.emit(t, 1, "TrivialEncrypt", big.NewInt(5), uint8(fhe.Uint8), a)

	s := newTestStore(t)
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	registry := prometheus.NewRegistry()

	r, err := New(testConfig(), c.source(gomock.NewController(t)), shadow.New(s), s,
		WithTracerProvider(provider),
		WithRegisterer(registry),
	)
	require.NoError(t, err)
	require.Equal(t, CatchingUp, r.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return r.Watermark().LastBlock == 1 && r.State() == Idle
	}, 5*time.Second, 5*time.Millisecond)

	// a new block moves the loop back to catching up and through it
	c.emit(t, 2, "FheShl", a, common.BigToHash(big.NewInt(1)), events.ScalarByte, handle("b", fhe.Uint8))
	require.Eventually(t, func() bool {
		return r.Watermark().LastBlock == 2
	}, 5*time.Second, 5*time.Millisecond)
	requireShadow(t, s, handle("b", fhe.Uint8), 10)
	require.NoError(t, r.Healthy(time.Minute))

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, provider.Shutdown(context.Background()))
	require.NotEmpty(t, recorder.Ended())

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRunStopsOnBatchFailure(t *testing.T) {
	c := newChain()
	a := handle("a", fhe.Uint8)
	c.emit(t, 1, "FheAdd", a, a, [1]byte{0x05}, handle("bad", fhe.Uint8))

	s := newTestStore(t)
	r, err := New(testConfig(), c.source(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.ErrorIs(t, err, events.ErrDecode)
}

func TestRunRetriesSourceErrors(t *testing.T) {
	errUnavailable := errors.New("connection refused")
	ctrl := gomock.NewController(t)
	source := NewMockLogSource(ctrl)

	var calls atomic.Int32
	source.EXPECT().BlockNumber(gomock.Any()).DoAndReturn(func(context.Context) (uint64, error) {
		if calls.Add(1) <= 2 {
			return 0, errUnavailable
		}
		return 3, nil
	}).AnyTimes()
	source.EXPECT().FilterLogs(gomock.Any(), uint64(1), uint64(3)).Return(nil, nil)

	s := newTestStore(t)
	r, err := New(testConfig(), source, shadow.New(s), s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return r.Watermark().LastBlock == 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHealthy(t *testing.T) {
	s := newTestStore(t)
	r, err := New(testConfig(), NewMockLogSource(gomock.NewController(t)), shadow.New(s), s)
	require.NoError(t, err)

	require.NoError(t, r.Healthy(time.Minute))
	r.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())
	require.ErrorIs(t, r.Healthy(time.Minute), ErrUnhealthy)
}

func TestInvalidConfig(t *testing.T) {
	s := newTestStore(t)
	for name, mutate := range map[string]func(*Config){
		"poll_interval": func(c *Config) { c.PollInterval = 0 },
		"block_range":   func(c *Config) { c.MaxBlockRange = 0 },
		"retries":       func(c *Config) { c.BatchRetries = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			config := testConfig()
			mutate(&config)
			_, err := New(config, nil, shadow.New(s), s)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
