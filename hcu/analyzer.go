// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hcu computes the homomorphic compute units a transaction spends,
// both in total and along its longest dependency chain.
package hcu

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/shadow/events"
)

const (
	DefaultMaxDepth uint64 = 5_000_000
	DefaultMaxTotal uint64 = 20_000_000
)

var (
	ErrRevertedTransaction = errors.New("transaction reverted")
	ErrMissingReceipt      = errors.New("missing receipt")
	ErrDepthLimitExceeded  = errors.New("HCU depth limit exceeded")
	ErrTotalLimitExceeded  = errors.New("HCU total limit exceeded")
)

// Limits bounds what a single transaction may spend.
type Limits struct {
	MaxDepth uint64
	MaxTotal uint64
}

// DefaultLimits returns the executor's per-transaction limits.
func DefaultLimits() Limits {
	return Limits{MaxDepth: DefaultMaxDepth, MaxTotal: DefaultMaxTotal}
}

// Report is the cost of one transaction.
type Report struct {
	TxHash common.Hash
	// Total is the sum of every operation's own cost.
	Total uint64
	// MaxDepth is the most expensive dependency chain.
	MaxDepth uint64
	// PerHandle is the cost of the chain ending in each result handle.
	PerHandle map[common.Hash]uint64
	// Operations counts the priced operations.
	Operations int
}

// Check compares the report against limits. A zero limit is unbounded.
func (r *Report) Check(l Limits) error {
	if l.MaxDepth != 0 && r.MaxDepth > l.MaxDepth {
		return fmt.Errorf("%w: %d > %d", ErrDepthLimitExceeded, r.MaxDepth, l.MaxDepth)
	}
	if l.MaxTotal != 0 && r.Total > l.MaxTotal {
		return fmt.Errorf("%w: %d > %d", ErrTotalLimitExceeded, r.Total, l.MaxTotal)
	}
	return nil
}

// Analyzer prices transactions. It holds no mutable state and is safe for
// concurrent use.
type Analyzer struct {
	prices  *PriceTable
	decoder *events.Decoder
}

// NewAnalyzer prices the operations emitted by executor.
func NewAnalyzer(prices *PriceTable, executor common.Address) *Analyzer {
	return &Analyzer{
		prices:  prices,
		decoder: events.NewDecoder(events.WithExecutor(executor)),
	}
}

// Analyze computes the cost of a finalized transaction from its receipt. A
// reverted receipt fails with ErrRevertedTransaction before anything is
// computed.
func (a *Analyzer) Analyze(receipt *types.Receipt) (*Report, error) {
	if receipt == nil {
		return nil, ErrMissingReceipt
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrRevertedTransaction, receipt.TxHash.Hex())
	}

	report := &Report{
		TxHash:    receipt.TxHash,
		PerHandle: make(map[common.Hash]uint64),
	}
	for _, log := range receipt.Logs {
		op, ok, err := a.decoder.Decode(log)
		if err != nil {
			return nil, fmt.Errorf("tx %s log %d: %w", receipt.TxHash.Hex(), log.Index, err)
		}
		if !ok {
			continue
		}

		own, err := a.prices.Lookup(op.Op, op.OperandType(), op.IsScalar)
		if err != nil {
			return nil, fmt.Errorf("tx %s log %d: %w", receipt.TxHash.Hex(), log.Index, err)
		}

		// Operands produced earlier in this transaction extend the chain;
		// anything else was already materialized and costs nothing here.
		var deepest uint64
		for _, operand := range op.Operands {
			if depth, ok := report.PerHandle[operand]; ok && depth > deepest {
				deepest = depth
			}
		}
		report.PerHandle[op.Result] = own + deepest
		report.Total += own
		report.Operations++
	}
	for _, depth := range report.PerHandle {
		if depth > report.MaxDepth {
			report.MaxDepth = depth
		}
	}
	return report, nil
}

// AnalyzeAll analyzes independent receipts in parallel. Reports are returned
// in input order; the first failure cancels the rest.
func (a *Analyzer) AnalyzeAll(ctx context.Context, receipts []*types.Receipt) ([]*Report, error) {
	reports := make([]*Report, len(receipts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, receipt := range receipts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, err := a.Analyze(receipt)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
