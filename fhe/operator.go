// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"fmt"
	"math/big"
)

// Operator identifies one homomorphic operation emitted by the executor.
type Operator uint8

const (
	OpAdd Operator = iota + 1
	OpSub
	OpMul
	OpDiv
	OpRem
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr
	OpRotl
	OpRotr
	OpEq
	OpNe
	OpGe
	OpGt
	OpLe
	OpLt
	OpMin
	OpMax
	OpNeg
	OpNot
	OpCast
	OpTrivialEncrypt
	OpTrivialEncryptBytes
	OpIfThenElse
	OpRand
	OpRandBounded
)

// Shape is the event layout an operator is emitted with.
type Shape uint8

const (
	// Binary: (lhs, rhs, scalarByte, result)
	Binary Shape = iota
	// Unary: (ct, result)
	Unary
	// Cast: (ct, toType, result)
	Cast
	// Trivial: (pt, toType, result)
	Trivial
	// Select: (control, ifTrue, ifFalse, result)
	Select
	// Random: ([upperBound,] randType, seed, result)
	Random
)

// EvalFunc computes a cleartext result at width t. Arguments arrive already
// reduced to their own widths; the returned value must lie in [0, 2^Bits(t)).
type EvalFunc func(t Type, args ...*big.Int) *big.Int

// Spec describes one operator: how it is emitted, priced and evaluated.
type Spec struct {
	Op    Operator
	Event string // executor event name
	Price string // key in the price table
	Shape Shape

	// ScalarOnly operators never take a ciphertext right-hand side.
	ScalarOnly bool
	// Bounded random operators carry an upper bound literal.
	Bounded bool
	// Predicate operators always produce an ebool.
	Predicate bool

	// Types lists the operand types the executor accepts.
	Types []Type

	Eval EvalFunc
}

// Scalarable reports whether the operator has a scalar-operand variant.
func (s *Spec) Scalarable() bool {
	return s.Shape == Binary
}

// ResultType returns the type of the handle produced for an operand type t.
func (s *Spec) ResultType(t Type) Type {
	if s.Predicate {
		return Bool
	}
	return t
}

func (s *Spec) String() string {
	return s.Event
}

var (
	// registered preserves declaration order for deterministic iteration
	registered = make([]*Spec, 0, 32)
	byOp       = make(map[Operator]*Spec)
	byEvent    = make(map[string]*Spec)
)

// register adds spec to the operator table. The table is closed: it is only
// populated from init and a duplicate is a programming error.
func register(spec *Spec) {
	if spec.Eval == nil {
		panic(fmt.Sprintf("operator %s has no evaluation function", spec.Event))
	}
	if _, exists := byOp[spec.Op]; exists {
		panic(fmt.Sprintf("operator %d registered twice", spec.Op))
	}
	if _, exists := byEvent[spec.Event]; exists {
		panic(fmt.Sprintf("event %s registered twice", spec.Event))
	}
	registered = append(registered, spec)
	byOp[spec.Op] = spec
	byEvent[spec.Event] = spec
}

// Lookup returns the spec for op.
func Lookup(op Operator) (*Spec, bool) {
	spec, ok := byOp[op]
	return spec, ok
}

// LookupEvent returns the spec emitted under the given event name.
func LookupEvent(name string) (*Spec, bool) {
	spec, ok := byEvent[name]
	return spec, ok
}

// Specs returns every registered operator in declaration order.
func Specs() []*Spec {
	out := make([]*Spec, len(registered))
	copy(out, registered)
	return out
}

func (op Operator) String() string {
	if spec, ok := byOp[op]; ok {
		return spec.Event
	}
	return fmt.Sprintf("operator(%d)", uint8(op))
}

var eqTypes = AllTypes

func init() {
	binary := func(op Operator, event, price string, types []Type, eval EvalFunc) *Spec {
		return &Spec{Op: op, Event: event, Price: price, Shape: Binary, Types: types, Eval: eval}
	}
	predicate := func(op Operator, event, price string, types []Type, eval EvalFunc) *Spec {
		s := binary(op, event, price, types, eval)
		s.Predicate = true
		return s
	}

	// Arithmetic
	register(binary(OpAdd, "FheAdd", "fheAdd", IntTypes, add))
	register(binary(OpSub, "FheSub", "fheSub", IntTypes, sub))
	register(binary(OpMul, "FheMul", "fheMul", IntTypes, mul))
	divSpec := binary(OpDiv, "FheDiv", "fheDiv", IntTypes, quo)
	divSpec.ScalarOnly = true
	register(divSpec)
	remSpec := binary(OpRem, "FheRem", "fheRem", IntTypes, rem)
	remSpec.ScalarOnly = true
	register(remSpec)

	// Bitwise
	register(binary(OpBitAnd, "FheBitAnd", "fheBitAnd", BitTypes, and))
	register(binary(OpBitOr, "FheBitOr", "fheBitOr", BitTypes, or))
	register(binary(OpBitXor, "FheBitXor", "fheBitXor", BitTypes, xor))

	// Shifts and rotations
	register(binary(OpShl, "FheShl", "fheShl", IntTypes, shl))
	register(binary(OpShr, "FheShr", "fheShr", IntTypes, shr))
	register(binary(OpRotl, "FheRotl", "fheRotl", IntTypes, rotl))
	register(binary(OpRotr, "FheRotr", "fheRotr", IntTypes, rotr))

	// Comparisons
	register(predicate(OpEq, "FheEq", "fheEq", eqTypes, eq))
	register(predicate(OpNe, "FheNe", "fheNe", eqTypes, ne))
	register(predicate(OpGe, "FheGe", "fheGe", IntTypes, ge))
	register(predicate(OpGt, "FheGt", "fheGt", IntTypes, gt))
	register(predicate(OpLe, "FheLe", "fheLe", IntTypes, le))
	register(predicate(OpLt, "FheLt", "fheLt", IntTypes, lt))
	register(binary(OpMin, "FheMin", "fheMin", IntTypes, minimum))
	register(binary(OpMax, "FheMax", "fheMax", IntTypes, maximum))

	// Unary
	register(&Spec{Op: OpNeg, Event: "FheNeg", Price: "fheNeg", Shape: Unary, Types: IntTypes, Eval: neg})
	register(&Spec{Op: OpNot, Event: "FheNot", Price: "fheNot", Shape: Unary, Types: BitTypes, Eval: not})

	// Casts, trivial encryption, selection and randomness
	register(&Spec{Op: OpCast, Event: "Cast", Price: "cast", Shape: Cast, Types: BitTypes, Eval: cast})
	register(&Spec{Op: OpTrivialEncrypt, Event: "TrivialEncrypt", Price: "trivialEncrypt", Shape: Trivial, Types: AllTypes, Eval: truncate})
	register(&Spec{Op: OpTrivialEncryptBytes, Event: "TrivialEncryptBytes", Price: "trivialEncrypt", Shape: Trivial, Types: AllTypes, Eval: truncate})
	register(&Spec{Op: OpIfThenElse, Event: "FheIfThenElse", Price: "ifThenElse", Shape: Select, Types: AllTypes, Eval: selectValue})
	register(&Spec{Op: OpRand, Event: "FheRand", Price: "fheRand", Shape: Random, Types: BitTypes, Eval: truncate})
	register(&Spec{Op: OpRandBounded, Event: "FheRandBounded", Price: "fheRandBounded", Shape: Random, Bounded: true, Types: IntTypes, Eval: bounded})
}
