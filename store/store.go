// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists the cleartext shadow of every ciphertext handle
// together with the replay watermark.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/leveldb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultAttempts = 100
	DefaultDelay    = 50 * time.Millisecond
)

var (
	ErrNotFound     = errors.New("handle not found")
	ErrInvalidValue = errors.New("invalid cleartext value")
	ErrClosed       = errors.New("store closed")

	handlePrefix = []byte("h/")
)

// Mode selects how Put treats an existing handle.
type Mode uint8

const (
	// IfAbsent leaves an existing value untouched.
	IfAbsent Mode = iota
	// Replace overwrites. Only for corrective writes, never during replay.
	Replace
)

func (m Mode) String() string {
	switch m {
	case IfAbsent:
		return "ifAbsent"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Store maps handles to cleartext values on top of a key-value database. It
// is safe for concurrent use.
type Store struct {
	db  database.Database
	log log.Logger

	attempts int
	delay    time.Duration

	// writeLock serializes check-and-write so IfAbsent has a single winner
	writeLock sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the Get retry budget.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay >= 0 {
			s.delay = delay
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.log = logger
	}
}

// Open opens or creates a LevelDB store at path. An empty path keeps
// everything in memory.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return New(memdb.New(), opts...), nil
	}
	s := newStore(opts)
	db, err := leveldb.New(path, nil, s.log, prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow store at %q: %w", path, err)
	}
	s.db = db
	return s, nil
}

// New wraps an open database. The store takes ownership of db.
func New(db database.Database, opts ...Option) *Store {
	s := newStore(opts)
	s.db = db
	return s
}

func newStore(opts []Option) *Store {
	s := &Store{
		log:      log.NewNoOpLogger(),
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func handleKey(h common.Hash) []byte {
	key := make([]byte, 0, len(handlePrefix)+common.HashLength)
	key = append(key, handlePrefix...)
	return append(key, h.Bytes()...)
}

// Put writes value under handle. With IfAbsent it returns false and leaves
// the store untouched when the handle already exists.
func (s *Store) Put(handle common.Hash, value *big.Int, mode Mode) (bool, error) {
	if value == nil || value.Sign() < 0 {
		return false, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	key := handleKey(handle)
	encoded := []byte(value.Text(10))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if mode == IfAbsent {
		exists, err := s.db.Has(key)
		if err != nil {
			return false, s.wrap("has", handle, err)
		}
		if exists {
			return false, nil
		}
	}
	if err := s.db.Put(key, encoded); err != nil {
		return false, s.wrap("put", handle, err)
	}
	return true, nil
}

// Has reports whether a value is stored for handle.
func (s *Store) Has(handle common.Hash) (bool, error) {
	exists, err := s.db.Has(handleKey(handle))
	if err != nil {
		return false, s.wrap("has", handle, err)
	}
	return exists, nil
}

// Lookup reads handle once without waiting.
func (s *Store) Lookup(handle common.Hash) (*big.Int, error) {
	data, err := s.db.Get(handleKey(handle))
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle.Hex())
	}
	if err != nil {
		return nil, s.wrap("get", handle, err)
	}
	value, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q stored under %s", ErrInvalidValue, data, handle.Hex())
	}
	return value, nil
}

// Get reads handle, waiting for it to be written. A miss is retried up to
// the configured attempt budget with a fixed delay in between; the wait
// ends early when ctx is done.
func (s *Store) Get(ctx context.Context, handle common.Hash) (*big.Int, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		value, err := s.Lookup(handle)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return value, err
		}
		if attempt >= s.attempts {
			s.log.Debug("handle never resolved",
				log.String("handle", handle.Hex()),
				log.Int("attempts", attempt),
			)
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrNotFound, handle.Hex(), attempt)
		}

		if timer == nil {
			timer = time.NewTimer(s.delay)
		} else {
			timer.Reset(s.delay)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", handle.Hex(), ctx.Err())
		case <-timer.C:
		}
	}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	err := s.db.Close()
	if errors.Is(err, database.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (s *Store) wrap(op string, handle common.Hash, err error) error {
	if errors.Is(err, database.ErrClosed) {
		err = ErrClosed
	}
	return fmt.Errorf("%s %s: %w", op, handle.Hex(), err)
}
