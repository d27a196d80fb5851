// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replay

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/ethclient"
)

//go:generate mockgen -package=${GOPACKAGE} -destination=logsource_mock.go . LogSource

// LogSource supplies executor logs by block range.
type LogSource interface {
	// BlockNumber returns the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs returns the executor logs in [from, to], both inclusive.
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// Receipts fetches finalized receipts.
type Receipts interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ LogSource = (*ClientSource)(nil)

// ClientSource reads logs of one executor over JSON-RPC.
type ClientSource struct {
	client   *ethclient.Client
	executor common.Address
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, executor common.Address) (*ClientSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewClientSource(client, executor), nil
}

// NewClientSource wraps an existing client.
func NewClientSource(client *ethclient.Client, executor common.Address) *ClientSource {
	return &ClientSource{
		client:   client,
		executor: executor,
	}
}

func (s *ClientSource) BlockNumber(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *ClientSource) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	return s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.executor},
	})
}

func (s *ClientSource) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return s.client.TransactionReceipt(ctx, txHash)
}

// Close releases the underlying connection.
func (s *ClientSource) Close() {
	s.client.Close()
}
