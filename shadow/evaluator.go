// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package shadow evaluates executor operations in the clear and records
// the result under the operation's result handle.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/shadow/fhe"
	"github.com/luxfi/shadow/store"
)

var (
	ErrMissingOperand = errors.New("operation is missing an operand")
	ErrMissingLiteral = errors.New("operation is missing its literal")
)

// Store is the subset of the handle store the evaluator needs.
type Store interface {
	Get(ctx context.Context, handle common.Hash) (*big.Int, error)
	Lookup(handle common.Hash) (*big.Int, error)
	Put(handle common.Hash, value *big.Int, mode store.Mode) (bool, error)
}

// Evaluator computes cleartext results. Apart from the random draw counter
// it is stateless; Evaluate may be called concurrently for operations
// without random draws.
type Evaluator struct {
	store Store
	log   log.Logger

	// randCounter is the number of random draws consumed so far
	randCounter atomic.Uint64
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Evaluator) {
		e.log = logger
	}
}

// WithRandCounter starts the draw counter at n, typically the committed
// watermark's counter.
func WithRandCounter(n uint64) Option {
	return func(e *Evaluator) {
		e.randCounter.Store(n)
	}
}

// New returns an evaluator writing into s.
func New(s Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		store: s,
		log:   log.NewNoOpLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RandCounter returns the number of random draws consumed.
func (e *Evaluator) RandCounter() uint64 {
	return e.randCounter.Load()
}

// SetRandCounter rewinds or advances the draw counter.
func (e *Evaluator) SetRandCounter(n uint64) {
	e.randCounter.Store(n)
}

// Evaluate resolves the operands of op, computes its result and stores it
// with store.IfAbsent. When the result handle already has a value, that
// value is returned and the computed one discarded. Operand resolution
// waits for late writes and fails with store.ErrNotFound once the store's
// retry budget is spent.
func (e *Evaluator) Evaluate(ctx context.Context, op *fhe.Operation) (*big.Int, error) {
	args, err := e.arguments(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	spec := op.Spec()
	result := spec.Eval(op.Type, args...)

	wrote, err := e.store.Put(op.Result, result, store.IfAbsent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if wrote {
		return result, nil
	}

	existing, err := e.store.Lookup(op.Result)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if existing.Cmp(result) != 0 {
		e.log.Warn("existing shadow differs from recomputed value",
			log.String("handle", op.Result.Hex()),
			log.String("op", spec.Event),
			log.String("stored", existing.String()),
			log.String("computed", result.String()),
		)
	}
	return existing, nil
}

func (e *Evaluator) arguments(ctx context.Context, op *fhe.Operation) ([]*big.Int, error) {
	spec := op.Spec()
	switch spec.Shape {
	case fhe.Binary:
		if len(op.Operands) == 0 {
			return nil, ErrMissingOperand
		}
		lhs, err := e.resolve(ctx, op.Operands[0])
		if err != nil {
			return nil, err
		}
		if op.IsScalar {
			if op.Scalar == nil {
				return nil, ErrMissingOperand
			}
			return []*big.Int{lhs, fhe.Reduce(op.Scalar.ToBig(), op.Type)}, nil
		}
		if len(op.Operands) < 2 {
			return nil, ErrMissingOperand
		}
		rhs, err := e.resolve(ctx, op.Operands[1])
		if err != nil {
			return nil, err
		}
		return []*big.Int{lhs, rhs}, nil

	case fhe.Unary, fhe.Cast, fhe.Select:
		want := 1
		if spec.Shape == fhe.Select {
			want = 3
		}
		if len(op.Operands) != want {
			return nil, ErrMissingOperand
		}
		args := make([]*big.Int, want)
		for i, h := range op.Operands {
			v, err := e.resolve(ctx, h)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return args, nil

	case fhe.Trivial:
		if op.Literal == nil {
			return nil, ErrMissingLiteral
		}
		return []*big.Int{op.Literal}, nil

	case fhe.Random:
		if spec.Bounded && op.Literal == nil {
			return nil, ErrMissingLiteral
		}
		counter := e.randCounter.Add(1) - 1
		bits := draw(op.Seed, counter, op.Type)
		if spec.Bounded {
			return []*big.Int{bits, op.Literal}, nil
		}
		return []*big.Int{bits}, nil

	default:
		return nil, fmt.Errorf("unknown shape %d", spec.Shape)
	}
}

// resolve reads an operand, reduced to the width of its own handle.
func (e *Evaluator) resolve(ctx context.Context, h fhe.Handle) (*big.Int, error) {
	v, err := e.store.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	return fhe.Reduce(v, fhe.TypeOf(h)), nil
}
