// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// Type is the ciphertext type tag carried in byte 30 of every handle.
type Type uint8

// Ciphertext type tags - must match the executor's FheType enum
const (
	Bool     Type = 0  // ebool - 1 bit
	Uint4    Type = 1  // euint4 - retired, never produced
	Uint8    Type = 2  // euint8 - 8 bits
	Uint16   Type = 3  // euint16 - 16 bits
	Uint32   Type = 4  // euint32 - 32 bits
	Uint64   Type = 5  // euint64 - 64 bits
	Uint128  Type = 6  // euint128 - 128 bits
	Uint160  Type = 7  // euint160 - 160 bits (Ethereum addresses)
	Uint256  Type = 8  // euint256 - 256 bits
	Bytes64  Type = 9  // ebytes64 - 512 bits
	Bytes128 Type = 10 // ebytes128 - 1024 bits
	Bytes256 Type = 11 // ebytes256 - 2048 bits

	Address = Uint160 // Alias for Uint160
)

var ErrUnsupportedType = errors.New("unsupported ciphertext type")

var (
	// IntTypes are the unsigned integer types arithmetic is defined on.
	IntTypes = []Type{Uint8, Uint16, Uint32, Uint64, Uint128, Uint256}

	// BitTypes are IntTypes plus ebool.
	BitTypes = []Type{Bool, Uint8, Uint16, Uint32, Uint64, Uint128, Uint256}

	// AllTypes lists every supported tag in ascending order.
	AllTypes = []Type{Bool, Uint8, Uint16, Uint32, Uint64, Uint128, Uint160, Uint256, Bytes64, Bytes128, Bytes256}
)

var (
	typeBits = [...]uint{
		Bool:     1,
		Uint4:    0,
		Uint8:    8,
		Uint16:   16,
		Uint32:   32,
		Uint64:   64,
		Uint128:  128,
		Uint160:  160,
		Uint256:  256,
		Bytes64:  512,
		Bytes128: 1024,
		Bytes256: 2048,
	}
	typeNames = [...]string{
		Bool:     "ebool",
		Uint4:    "euint4",
		Uint8:    "euint8",
		Uint16:   "euint16",
		Uint32:   "euint32",
		Uint64:   "euint64",
		Uint128:  "euint128",
		Uint160:  "eaddress",
		Uint256:  "euint256",
		Bytes64:  "ebytes64",
		Bytes128: "ebytes128",
		Bytes256: "ebytes256",
	}

	// masks[t] = 2^bits(t) - 1, built once; never handed out without a copy.
	masks [len(typeBits)]*big.Int
)

func init() {
	one := big.NewInt(1)
	for t, bits := range typeBits {
		if bits == 0 {
			continue
		}
		m := new(big.Int).Lsh(one, bits)
		masks[t] = m.Sub(m, one)
	}
}

// Valid reports whether t is a tag this shadow can evaluate.
func (t Type) Valid() bool {
	return int(t) < len(typeBits) && typeBits[t] != 0
}

// Bits returns the bit width of t, or 0 when t is not supported.
func (t Type) Bits() uint {
	if !t.Valid() {
		return 0
	}
	return typeBits[t]
}

// Mask returns 2^Bits-1 as a fresh value.
func (t Type) Mask() *big.Int {
	if !t.Valid() {
		return new(big.Int)
	}
	return new(big.Int).Set(masks[t])
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType parses a decimal tag as it appears in price tables.
func ParseType(s string) (Type, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
	t := Type(n)
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, n)
	}
	return t, nil
}

// Reduce returns v modulo 2^Bits(t). Negative inputs wrap in two's complement.
func Reduce(v *big.Int, t Type) *big.Int {
	if !t.Valid() {
		return new(big.Int)
	}
	return new(big.Int).And(v, masks[t])
}

// Contains reports whether types includes t.
func Contains(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
