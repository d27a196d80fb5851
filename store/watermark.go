// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/database"
)

const watermarkLen = 16

var (
	ErrCorruptWatermark = errors.New("corrupt watermark record")

	// lives outside handlePrefix so iteration over handles never sees it
	watermarkKey = []byte("w/watermark")
)

// Watermark is the replay resumption point. LastBlock is the last block
// whose logs were fully applied and RandCounter the number of random draws
// consumed by then. Valid is false until a batch has been committed.
type Watermark struct {
	LastBlock   uint64
	RandCounter uint64
	Valid       bool
}

// Next returns the first block not yet applied, starting at start when
// nothing has been committed.
func (w Watermark) Next(start uint64) uint64 {
	if !w.Valid {
		return start
	}
	if next := w.LastBlock + 1; next > start {
		return next
	}
	return start
}

func (w Watermark) String() string {
	if !w.Valid {
		return "none"
	}
	return fmt.Sprintf("block %d, rand counter %d", w.LastBlock, w.RandCounter)
}

// Watermark reads the committed watermark.
func (s *Store) Watermark() (Watermark, error) {
	data, err := s.db.Get(watermarkKey)
	if errors.Is(err, database.ErrNotFound) {
		return Watermark{}, nil
	}
	if err != nil {
		if errors.Is(err, database.ErrClosed) {
			err = ErrClosed
		}
		return Watermark{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if len(data) != watermarkLen {
		return Watermark{}, fmt.Errorf("%w: %d bytes", ErrCorruptWatermark, len(data))
	}
	return Watermark{
		LastBlock:   binary.BigEndian.Uint64(data[:8]),
		RandCounter: binary.BigEndian.Uint64(data[8:]),
		Valid:       true,
	}, nil
}

// SetWatermark commits w in a single batch write.
func (s *Store) SetWatermark(w Watermark) error {
	var data [watermarkLen]byte
	binary.BigEndian.PutUint64(data[:8], w.LastBlock)
	binary.BigEndian.PutUint64(data[8:], w.RandCounter)

	batch := s.db.NewBatch()
	if err := batch.Put(watermarkKey, data[:]); err != nil {
		return fmt.Errorf("failed to stage watermark: %w", err)
	}
	if err := batch.Write(); err != nil {
		if errors.Is(err, database.ErrClosed) {
			err = ErrClosed
		}
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}
