// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutModes(t *testing.T) {
	s := newTestStore(t)
	h := common.HexToHash("0x01")

	wrote, err := s.Put(h, big.NewInt(7), IfAbsent)
	require.NoError(t, err)
	require.True(t, wrote)

	// second ifAbsent write is a no-op
	wrote, err = s.Put(h, big.NewInt(8), IfAbsent)
	require.NoError(t, err)
	require.False(t, wrote)

	v, err := s.Lookup(h)
	require.NoError(t, err)
	require.Equal(t, "7", v.String())

	wrote, err = s.Put(h, big.NewInt(9), Replace)
	require.NoError(t, err)
	require.True(t, wrote)

	v, err = s.Lookup(h)
	require.NoError(t, err)
	require.Equal(t, "9", v.String())
}

func TestPutRejectsInvalidValues(t *testing.T) {
	s := newTestStore(t)
	h := common.HexToHash("0x02")

	_, err := s.Put(h, nil, IfAbsent)
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = s.Put(h, big.NewInt(-1), IfAbsent)
	require.ErrorIs(t, err, ErrInvalidValue)

	ok, err := s.Has(h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWideValuesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h := common.HexToHash("0x03")

	wide := new(big.Int).Lsh(big.NewInt(1), 2047)
	wide.Sub(wide, big.NewInt(3))
	_, err := s.Put(h, wide, IfAbsent)
	require.NoError(t, err)

	v, err := s.Get(context.Background(), h)
	require.NoError(t, err)
	require.Zero(t, wide.Cmp(v))
}

// TestGetResolutionTimeout tests that a handle never written fails after the retry budget
func TestGetResolutionTimeout(t *testing.T) {
	s := newTestStore(t, WithRetry(5, 2*time.Millisecond))

	start := time.Now()
	_, err := s.Get(context.Background(), common.HexToHash("0xdead"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Less(t, time.Since(start), time.Second)
}

func TestGetHonorsContext(t *testing.T) {
	s := newTestStore(t, WithRetry(1_000_000, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Get(ctx, common.HexToHash("0xbeef"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetWaitsForLateWrite(t *testing.T) {
	s := newTestStore(t, WithRetry(200, 5*time.Millisecond))
	h := common.HexToHash("0x04")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Put(h, big.NewInt(42), IfAbsent)
	}()

	v, err := s.Get(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, "42", v.String())
}

func TestConcurrentIfAbsentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	h := common.HexToHash("0x05")

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wrote, err := s.Put(h, big.NewInt(int64(i)), IfAbsent)
			if err != nil {
				t.Error(err)
				return
			}
			if wrote {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestWatermark(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Watermark()
	require.NoError(t, err)
	require.False(t, w.Valid)
	require.Equal(t, uint64(10), w.Next(10))

	require.NoError(t, s.SetWatermark(Watermark{LastBlock: 41, RandCounter: 3}))
	w, err = s.Watermark()
	require.NoError(t, err)
	require.Equal(t, Watermark{LastBlock: 41, RandCounter: 3, Valid: true}, w)
	require.Equal(t, uint64(42), w.Next(10))
	require.Equal(t, uint64(100), w.Next(100))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shadow")
	h := common.HexToHash("0x06")

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Put(h, big.NewInt(255), IfAbsent)
	require.NoError(t, err)
	require.NoError(t, s.SetWatermark(Watermark{LastBlock: 9, RandCounter: 1}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Lookup(h)
	require.NoError(t, err)
	require.Equal(t, "255", v.String())

	w, err := s.Watermark()
	require.NoError(t, err)
	require.Equal(t, uint64(9), w.LastBlock)
	require.Equal(t, uint64(1), w.RandCounter)
}

func TestClosedStore(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Put(common.HexToHash("0x07"), big.NewInt(1), IfAbsent)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewOverDatabase(t *testing.T) {
	db := memdb.New()
	s := New(db, WithRetry(1, 0))
	defer s.Close()

	h := common.HexToHash("0x08")
	_, err := s.Lookup(h)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(context.Background(), h)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Put(h, big.NewInt(12), IfAbsent)
	require.NoError(t, err)
	raw, err := db.Get(handleKey(h))
	require.NoError(t, err)
	require.Equal(t, "12", string(raw))

	require.NoError(t, db.Put(watermarkKey, []byte{1, 2, 3}))
	_, err = s.Watermark()
	require.ErrorIs(t, err, ErrCorruptWatermark)
}
