// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hcu

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/shadow/fhe"
)

var (
	// DefaultPrices is the price table the executor ships with
	//go:embed prices.json
	DefaultPrices []byte

	ErrConfiguration = errors.New("invalid price table")
	ErrMissingPrice  = errors.New("missing price")
)

// entry is one operator's row in the price file. Binary operators are
// priced per scalar and non-scalar variant, all others per type.
type entry struct {
	Binary    bool              `json:"binary"              yaml:"binary"`
	Scalar    map[string]uint64 `json:"scalar,omitempty"    yaml:"scalar,omitempty"`
	NonScalar map[string]uint64 `json:"nonScalar,omitempty" yaml:"nonScalar,omitempty"`
	Types     map[string]uint64 `json:"types,omitempty"     yaml:"types,omitempty"`
}

type priceKey struct {
	name   string
	typ    fhe.Type
	scalar bool
}

// PriceTable maps (operator, operand type, scalar flag) to an HCU cost. It
// is immutable once loaded.
type PriceTable struct {
	prices map[priceKey]uint64
}

// LoadPriceTable reads a price file. JSON files are accepted as they are.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return ParsePriceTable(data)
}

// DefaultPriceTable parses the embedded table.
func DefaultPriceTable() *PriceTable {
	table, err := ParsePriceTable(DefaultPrices)
	if err != nil {
		panic(fmt.Sprintf("embedded price table: %v", err))
	}
	return table
}

// ParsePriceTable parses and validates a price table. Every registered
// operator must be priced for every type it accepts; a gap is reported here
// rather than during analysis.
func ParsePriceTable(data []byte) (*PriceTable, error) {
	var raw map[string]entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	table := &PriceTable{prices: make(map[priceKey]uint64)}
	var missing []string
	for _, spec := range fhe.Specs() {
		e, ok := raw[spec.Price]
		if !ok {
			missing = append(missing, spec.Price)
			continue
		}
		if e.Binary != spec.Scalarable() {
			return nil, fmt.Errorf("%w: %s has binary=%t", ErrConfiguration, spec.Price, e.Binary)
		}
		for _, t := range spec.Types {
			if !spec.Scalarable() {
				missing = table.add(missing, spec.Price, t, false, e.Types, "types")
				continue
			}
			missing = table.add(missing, spec.Price, t, true, e.Scalar, "scalar")
			if !spec.ScalarOnly {
				missing = table.add(missing, spec.Price, t, false, e.NonScalar, "nonScalar")
			}
		}
	}
	if len(missing) != 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %w: %v", ErrConfiguration, ErrMissingPrice, missing)
	}
	return table, nil
}

func (p *PriceTable) add(missing []string, name string, t fhe.Type, scalar bool, row map[string]uint64, column string) []string {
	cost, ok := row[strconv.Itoa(int(t))]
	if !ok {
		return append(missing, fmt.Sprintf("%s.%s.%d", name, column, t))
	}
	p.prices[priceKey{name: name, typ: t, scalar: scalar}] = cost
	return missing
}

// Lookup returns the cost of op on operands of type t.
func (p *PriceTable) Lookup(op fhe.Operator, t fhe.Type, scalar bool) (uint64, error) {
	spec, ok := fhe.Lookup(op)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingPrice, op)
	}
	if !spec.Scalarable() {
		scalar = false
	}
	cost, ok := p.prices[priceKey{name: spec.Price, typ: t, scalar: scalar}]
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s (scalar=%t)", ErrMissingPrice, spec.Price, t, scalar)
	}
	return cost, nil
}
