// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// Operation is one decoded executor event.
type Operation struct {
	Op Operator
	// Type is the operand type, or the declared target type for casts,
	// trivial encryption and randomness.
	Type Type

	// Operands holds handle operands in event order. For a scalar binary
	// operation only the left-hand side is present.
	Operands []Handle
	IsScalar bool
	Scalar   *uint256.Int

	// Literal is the plaintext of a trivial encryption or the upper bound
	// of a bounded random draw.
	Literal *big.Int
	Seed    [16]byte

	Result Handle

	Caller      common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Spec returns the operator description. Operations built by the decoder
// always carry a registered operator.
func (o *Operation) Spec() *Spec {
	spec, ok := Lookup(o.Op)
	if !ok {
		panic(fmt.Sprintf("unregistered operator %d", o.Op))
	}
	return spec
}

// OperandType returns the type prices are keyed on: the type of the first
// ciphertext operand, or the declared type when there is none.
func (o *Operation) OperandType() Type {
	switch o.Spec().Shape {
	case Cast:
		return TypeOf(o.Operands[0])
	case Select:
		return TypeOf(o.Operands[1])
	case Binary, Unary:
		return TypeOf(o.Operands[0])
	default:
		return o.Type
	}
}

// ResultType returns the type of the value stored under Result.
func (o *Operation) ResultType() Type {
	return o.Spec().ResultType(o.Type)
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s(%s) -> %s", o.Op, o.Type, o.Result.Hex())
}
