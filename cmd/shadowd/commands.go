// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/core/types"
	"github.com/spf13/cobra"

	"github.com/luxfi/shadow/fhe"
	"github.com/luxfi/shadow/hcu"
	"github.com/luxfi/shadow/replay"
)

const syncFirstKey = "sync"

var errInvalidHash = errors.New("invalid 32-byte hash")

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Apply every executor event up to the current head, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			source, err := dialSource(ctx, c)
			if err != nil {
				return err
			}
			defer source.Close()

			r, err := newReplayer(c, logger, source, s)
			if err != nil {
				return err
			}
			head, err := r.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced to block %d (watermark %s)\n", head, r.Watermark())
			return nil
		},
	}
}

func newCleartextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleartext <handle>",
		Short: "Print the cleartext a handle decrypts to",
		Long: `Prints the cleartext a ciphertext handle would decrypt to, waiting up to
get-attempts x get-delay for it to appear. With --sync the store first
catches up with the chain head.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := parseHash(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if syncFirst, _ := cmd.Flags().GetBool(syncFirstKey); syncFirst {
				source, err := dialSource(ctx, c)
				if err != nil {
					return err
				}
				defer source.Close()
				r, err := newReplayer(c, logger, source, s)
				if err != nil {
					return err
				}
				if _, err := r.Sync(ctx); err != nil {
					return err
				}
			}

			value, err := s.Get(ctx, handle)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", fhe.TypeOf(handle), value)
			return nil
		},
	}
	cmd.Flags().Bool(syncFirstKey, false, "Catch up with the chain before reading")
	return cmd
}

func newHCUCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hcu <txhash>...",
		Short: "Price finalized transactions and check them against the HCU limits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := make([]common.Hash, len(args))
			for i, arg := range args {
				h, err := parseHash(arg)
				if err != nil {
					return err
				}
				hashes[i] = h
			}

			ctx := cmd.Context()
			c, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			prices, err := loadPrices(c.PricesFile)
			if err != nil {
				return err
			}
			source, err := dialSource(ctx, c)
			if err != nil {
				return err
			}
			defer source.Close()

			receipts, err := fetchReceipts(ctx, source, hashes)
			if err != nil {
				return err
			}
			reports, err := hcu.NewAnalyzer(prices, c.Executor).AnalyzeAll(ctx, receipts)
			if err != nil {
				return err
			}
			var errs []error
			for _, report := range reports {
				printReport(cmd, report)
				if err := report.Check(c.Limits); err != nil {
					errs = append(errs, fmt.Errorf("tx %s: %w", report.TxHash.Hex(), err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newWatermarkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watermark",
		Short: "Print the last block applied to the shadow store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := s.Watermark()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w)
			return nil
		},
	}
}

func fetchReceipts(ctx context.Context, source replay.Receipts, hashes []common.Hash) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(hashes))
	for i, h := range hashes {
		r, err := source.TransactionReceipt(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch receipt %s: %w", h.Hex(), err)
		}
		receipts[i] = r
	}
	return receipts, nil
}

func loadPrices(path string) (*hcu.PriceTable, error) {
	if path == "" {
		return hcu.DefaultPriceTable(), nil
	}
	return hcu.LoadPriceTable(path)
}

func printReport(cmd *cobra.Command, r *hcu.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "tx %s: total %d, depth %d, %d operations\n",
		r.TxHash.Hex(), r.Total, r.MaxDepth, r.Operations)
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w %q: %w", errInvalidHash, s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w %q: %d bytes", errInvalidHash, s, len(b))
	}
	return common.BytesToHash(b), nil
}
