// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events decodes the FHE executor's operation logs.
package events

import (
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"

	"github.com/luxfi/shadow/fhe"
)

const (
	scalarFlag   byte = 0x01
	handleFlag   byte = 0x00
	callerTopics      = 2
)

var (
	// ExecutorRawABI contains the event ABI of the FHE executor
	//go:embed executor.abi
	ExecutorRawABI string

	ExecutorABI = mustParseABI(ExecutorRawABI)

	ErrDecode = errors.New("malformed executor event")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse executor ABI: %v", err))
	}
	return parsed
}

// DecodeError reports a recognized event whose payload cannot be decoded.
type DecodeError struct {
	Event  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrDecode, e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrDecode, e.Event, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// Decoder turns executor logs into operations.
type Decoder struct {
	abi      abi.ABI
	executor common.Address
	filter   bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithExecutor makes the decoder skip logs emitted by any other contract.
func WithExecutor(addr common.Address) Option {
	return func(d *Decoder) {
		d.executor = addr
		d.filter = true
	}
}

// NewDecoder returns a decoder for the executor ABI.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{abi: ExecutorABI}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode decodes one log. Logs that are not executor operations, including
// foreign contracts, unknown events and logs removed by a reorg, are
// skipped with ok == false and a nil error. A recognized event with a
// malformed payload returns a *DecodeError.
func (d *Decoder) Decode(log *types.Log) (*fhe.Operation, bool, error) {
	if log == nil || log.Removed || len(log.Topics) == 0 {
		return nil, false, nil
	}
	if d.filter && log.Address != d.executor {
		return nil, false, nil
	}
	event, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, false, nil
	}
	spec, ok := fhe.LookupEvent(event.Name)
	if !ok {
		return nil, false, nil
	}

	fail := func(reason string, err error) (*fhe.Operation, bool, error) {
		return nil, false, &DecodeError{Event: event.Name, Reason: reason, Err: err}
	}

	if len(log.Topics) != callerTopics {
		return fail(fmt.Sprintf("expected %d topics, got %d", callerTopics, len(log.Topics)), nil)
	}
	args := make(map[string]interface{}, len(event.Inputs))
	if err := event.Inputs.UnpackIntoMap(args, log.Data); err != nil {
		return fail("unpack", err)
	}

	op := &fhe.Operation{
		Op:          spec.Op,
		Caller:      common.BytesToAddress(log.Topics[1].Bytes()),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	if err := decodeArgs(spec, op, args); err != nil {
		return fail(err.Error(), nil)
	}
	if spec.Shape == fhe.Cast {
		if source := op.OperandType(); !fhe.Contains(spec.Types, source) {
			return fail("cast from "+source.String(), fhe.ErrUnsupportedType)
		}
	}
	if !op.Type.Valid() {
		return fail("unsupported type "+op.Type.String(), fhe.ErrUnsupportedType)
	}
	if !fhe.Contains(spec.Types, op.Type) {
		return fail(fmt.Sprintf("%s not accepted", op.Type), fhe.ErrUnsupportedType)
	}
	return op, true, nil
}

func decodeArgs(spec *fhe.Spec, op *fhe.Operation, args map[string]interface{}) error {
	var err error
	if op.Result, err = hashArg(args, "result"); err != nil {
		return err
	}

	switch spec.Shape {
	case fhe.Binary:
		lhs, err := hashArg(args, "lhs")
		if err != nil {
			return err
		}
		rhs, err := hashArg(args, "rhs")
		if err != nil {
			return err
		}
		flag, err := bytes1Arg(args, "scalarByte")
		if err != nil {
			return err
		}
		op.Type = fhe.TypeOf(lhs)
		op.Operands = []fhe.Handle{lhs}
		switch flag {
		case scalarFlag:
			op.IsScalar = true
			op.Scalar = new(uint256.Int).SetBytes32(rhs[:])
		case handleFlag:
			if spec.ScalarOnly {
				return fmt.Errorf("%s takes a scalar divisor only", spec.Event)
			}
			if t := fhe.TypeOf(rhs); t != op.Type {
				return fmt.Errorf("rhs type %s does not match lhs type %s", t, op.Type)
			}
			op.Operands = append(op.Operands, rhs)
		default:
			return fmt.Errorf("invalid scalar byte 0x%02x", flag)
		}

	case fhe.Unary:
		ct, err := hashArg(args, "ct")
		if err != nil {
			return err
		}
		op.Type = fhe.TypeOf(ct)
		op.Operands = []fhe.Handle{ct}

	case fhe.Cast:
		ct, err := hashArg(args, "ct")
		if err != nil {
			return err
		}
		to, err := uint8Arg(args, "toType")
		if err != nil {
			return err
		}
		op.Type = fhe.Type(to)
		op.Operands = []fhe.Handle{ct}

	case fhe.Trivial:
		to, err := uint8Arg(args, "toType")
		if err != nil {
			return err
		}
		op.Type = fhe.Type(to)
		switch pt := args["pt"].(type) {
		case *big.Int:
			op.Literal = new(big.Int).Set(pt)
		case []byte:
			op.Literal = new(big.Int).SetBytes(pt)
		default:
			return fmt.Errorf("argument pt has type %T", args["pt"])
		}

	case fhe.Select:
		var handles [3]fhe.Handle
		for i, name := range []string{"control", "ifTrue", "ifFalse"} {
			if handles[i], err = hashArg(args, name); err != nil {
				return err
			}
		}
		if t := fhe.TypeOf(handles[0]); t != fhe.Bool {
			return fmt.Errorf("control has type %s, want %s", t, fhe.Bool)
		}
		op.Type = fhe.TypeOf(handles[1])
		if t := fhe.TypeOf(handles[2]); t != op.Type {
			return fmt.Errorf("ifFalse type %s does not match ifTrue type %s", t, op.Type)
		}
		op.Operands = handles[:]

	case fhe.Random:
		to, err := uint8Arg(args, "randType")
		if err != nil {
			return err
		}
		seed, ok := args["seed"].([16]byte)
		if !ok {
			return fmt.Errorf("argument seed has type %T", args["seed"])
		}
		op.Type = fhe.Type(to)
		op.Seed = seed
		if spec.Bounded {
			bound, ok := args["upperBound"].(*big.Int)
			if !ok {
				return fmt.Errorf("argument upperBound has type %T", args["upperBound"])
			}
			op.Literal = new(big.Int).Set(bound)
		}

	default:
		return fmt.Errorf("unknown shape %d", spec.Shape)
	}
	return nil
}

func hashArg(args map[string]interface{}, name string) (common.Hash, error) {
	v, ok := args[name].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("argument %s has type %T", name, args[name])
	}
	return common.Hash(v), nil
}

func bytes1Arg(args map[string]interface{}, name string) (byte, error) {
	v, ok := args[name].([1]byte)
	if !ok {
		return 0, fmt.Errorf("argument %s has type %T", name, args[name])
	}
	return v[0], nil
}

func uint8Arg(args map[string]interface{}, name string) (uint8, error) {
	v, ok := args[name].(uint8)
	if !ok {
		return 0, fmt.Errorf("argument %s has type %T", name, args[name])
	}
	return v, nil
}
