// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import "math/big"

// Plaintext counterparts of the executor's homomorphic operators. Every
// result is reduced to the width of t; big.Int bitwise operations follow
// two's complement, so masking a negative intermediate wraps it.

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

func boolValue(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

func add(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Add(args[0], args[1]), t)
}

func sub(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Sub(args[0], args[1]), t)
}

func mul(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Mul(args[0], args[1]), t)
}

// quo follows the TFHE convention: dividing by zero yields all ones.
func quo(t Type, args ...*big.Int) *big.Int {
	if args[1].Sign() == 0 {
		return t.Mask()
	}
	return Reduce(new(big.Int).Quo(args[0], args[1]), t)
}

// rem follows the TFHE convention: the remainder of a division by zero is the dividend.
func rem(t Type, args ...*big.Int) *big.Int {
	if args[1].Sign() == 0 {
		return Reduce(args[0], t)
	}
	return Reduce(new(big.Int).Rem(args[0], args[1]), t)
}

func and(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).And(args[0], args[1]), t)
}

func or(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Or(args[0], args[1]), t)
}

func xor(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Xor(args[0], args[1]), t)
}

func not(t Type, args ...*big.Int) *big.Int {
	return new(big.Int).AndNot(t.Mask(), args[0])
}

func neg(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Neg(args[0]), t)
}

// shiftAmount reduces a shift operand modulo the bit width.
func shiftAmount(t Type, amount *big.Int) uint {
	bits := new(big.Int).SetUint64(uint64(t.Bits()))
	return uint(new(big.Int).Mod(amount, bits).Uint64())
}

func shl(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Lsh(args[0], shiftAmount(t, args[1])), t)
}

func shr(t Type, args ...*big.Int) *big.Int {
	return Reduce(new(big.Int).Rsh(args[0], shiftAmount(t, args[1])), t)
}

func rotl(t Type, args ...*big.Int) *big.Int {
	s := shiftAmount(t, args[1])
	v := Reduce(args[0], t)
	if s == 0 {
		return v
	}
	hi := new(big.Int).Lsh(v, s)
	lo := new(big.Int).Rsh(v, t.Bits()-s)
	return Reduce(hi.Or(hi, lo), t)
}

func rotr(t Type, args ...*big.Int) *big.Int {
	s := shiftAmount(t, args[1])
	v := Reduce(args[0], t)
	if s == 0 {
		return v
	}
	lo := new(big.Int).Rsh(v, s)
	hi := new(big.Int).Lsh(v, t.Bits()-s)
	return Reduce(lo.Or(lo, hi), t)
}

func eq(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) == 0) }
func ne(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) != 0) }
func ge(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) >= 0) }
func gt(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) > 0) }
func le(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) <= 0) }
func lt(_ Type, args ...*big.Int) *big.Int { return boolValue(args[0].Cmp(args[1]) < 0) }

func minimum(t Type, args ...*big.Int) *big.Int {
	if args[0].Cmp(args[1]) <= 0 {
		return Reduce(args[0], t)
	}
	return Reduce(args[1], t)
}

func maximum(t Type, args ...*big.Int) *big.Int {
	if args[0].Cmp(args[1]) >= 0 {
		return Reduce(args[0], t)
	}
	return Reduce(args[1], t)
}

// cast converts to t. Casting to ebool tests for non-zero; every other
// target truncates to the target width.
func cast(t Type, args ...*big.Int) *big.Int {
	if t == Bool {
		return boolValue(args[0].Sign() != 0)
	}
	return Reduce(args[0], t)
}

func truncate(t Type, args ...*big.Int) *big.Int {
	return Reduce(args[0], t)
}

// selectValue returns args[1] when the control args[0] is set, else args[2].
func selectValue(t Type, args ...*big.Int) *big.Int {
	if args[0].Cmp(zero) != 0 {
		return Reduce(args[1], t)
	}
	return Reduce(args[2], t)
}

// bounded reduces random bits args[0] into [0, args[1]). A zero bound
// degenerates to plain truncation.
func bounded(t Type, args ...*big.Int) *big.Int {
	v := Reduce(args[0], t)
	if args[1].Sign() <= 0 {
		return v
	}
	return v.Mod(v, args[1])
}

// IsTrue reports whether a cleartext ebool is set.
func IsTrue(v *big.Int) bool {
	return v != nil && v.Cmp(one) == 0
}
