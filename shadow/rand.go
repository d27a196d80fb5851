// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shadow

import (
	"encoding/binary"
	"math/big"

	"github.com/zeebo/blake3"

	"github.com/luxfi/shadow/fhe"
)

const randContext = "lux shadow 2025-01 fheRand"

// draw derives the random bits for the counter-th draw with the given seed.
// The output depends only on its arguments, so replays reproduce the same
// values as long as the counter is restored with the watermark.
func draw(seed [16]byte, counter uint64, t fhe.Type) *big.Int {
	h := blake3.NewDeriveKey(randContext)
	h.Write(seed[:])

	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	h.Write(counterBytes[:])

	out := make([]byte, (t.Bits()+7)/8)
	h.Digest().Read(out)
	return fhe.Reduce(new(big.Int).SetBytes(out), t)
}
