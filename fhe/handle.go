// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fhe

import (
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// HandleVersion is written into the last byte of minted handles.
const HandleVersion byte = 0

const (
	typeByte    = 30
	versionByte = 31
)

// Handle references one ciphertext. Everything but the type tag is opaque.
type Handle = common.Hash

// TypeOf returns the type tag encoded in h.
func TypeOf(h Handle) Type {
	return Type(h[typeByte])
}

// MakeHandle derives a handle of type t from an arbitrary preimage, laid out
// the way the executor mints them: keccak256 prefix, then tag and version.
func MakeHandle(preimage []byte, t Type) Handle {
	h := common.BytesToHash(crypto.Keccak256(preimage))
	h[typeByte] = byte(t)
	h[versionByte] = HandleVersion
	return h
}
