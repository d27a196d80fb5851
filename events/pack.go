// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package events

import (
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
)

// Scalar and handle markers for the scalarByte argument of binary events.
var (
	ScalarByte = [1]byte{scalarFlag}
	HandleByte = [1]byte{handleFlag}
)

// Pack builds the log the executor emits for event name. Arguments follow
// the ABI order, caller first: bytes32 as common.Hash, bytes1 as [1]byte,
// bytes16 as [16]byte, uint8 as uint8 and uint256 as *big.Int.
func Pack(executor common.Address, name string, args ...interface{}) (*types.Log, error) {
	event, exist := ExecutorABI.Events[name]
	if !exist {
		return nil, fmt.Errorf("event '%s' not found", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, fmt.Errorf("event '%s' unexpected number of inputs %d", name, len(args))
	}

	var (
		nonIndexedInputs = make([]interface{}, 0, len(args))
		indexedInputs    = make([]interface{}, 0, 1)
		nonIndexedArgs   abi.Arguments
	)
	for i, arg := range event.Inputs {
		if arg.Indexed {
			indexedInputs = append(indexedInputs, args[i])
		} else {
			nonIndexedArgs = append(nonIndexedArgs, arg)
			nonIndexedInputs = append(nonIndexedInputs, args[i])
		}
	}

	data, err := nonIndexedArgs.Pack(nonIndexedInputs...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}

	topics := make([]common.Hash, 0, len(indexedInputs)+1)
	topics = append(topics, event.ID)
	for _, input := range indexedInputs {
		topic, err := packTopic(input)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}

	return &types.Log{
		Address: executor,
		Topics:  topics,
		Data:    data,
	}, nil
}

// packTopic packs a single indexed argument into a topic hash
func packTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case common.Hash:
		return v, nil
	case []byte:
		return common.BytesToHash(crypto.Keccak256(v)), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type: %T", value)
	}
}
