// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config reads shadowd's settings from flags, the environment and an
// optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/shadow/hcu"
	"github.com/luxfi/shadow/replay"
	"github.com/luxfi/shadow/store"
)

var ErrConfiguration = errors.New("invalid configuration")

// LogLevels are the accepted values of --log-level.
var LogLevels = []string{"debug", "info", "warn", "error"}

// Config is everything shadowd needs to run.
type Config struct {
	RPCURL   string
	Executor common.Address
	DBPath   string

	Replay      replay.Config
	GetAttempts int
	GetDelay    time.Duration

	// PricesFile is empty when the embedded price table is used.
	PricesFile string
	Limits     hcu.Limits

	Coverage        bool
	LogLevel        string
	MetricsAddr     string
	TraceEndpoint   string
	HealthThreshold time.Duration
}

// AddFlags registers every key on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	defaults := replay.DefaultConfig()

	fs.String(ConfigFileKey, "", "Path to a config file; any format viper reads")
	fs.String(RPCURLKey, "http://127.0.0.1:8545", "JSON-RPC endpoint of the chain hosting the executor")
	fs.String(ExecutorAddressKey, "", "Address of the FHE executor contract")
	fs.String(DBPathKey, "", "Directory of the shadow database. Empty keeps it in memory")

	fs.Uint64(StartBlockKey, 0, "First block to replay when no watermark exists")
	fs.Duration(PollIntervalKey, defaults.PollInterval, "Wait between head checks once caught up")
	fs.Uint64(MaxBlockRangeKey, defaults.MaxBlockRange, "Maximum blocks fetched per batch")
	fs.Int(BatchRetriesKey, defaults.BatchRetries, "Times a batch is re-applied while an operand is unresolved")
	fs.Duration(RetryDelayKey, defaults.RetryDelay, "Wait before re-applying a batch")
	fs.Int(GetAttemptsKey, store.DefaultAttempts, "Attempts to resolve a handle before giving up")
	fs.Duration(GetDelayKey, store.DefaultDelay, "Wait between handle resolution attempts")

	fs.String(PricesFileKey, "", "HCU price table (YAML or JSON). Empty uses the built-in table")
	fs.Uint64(HCUMaxDepthKey, hcu.DefaultMaxDepth, "Per-transaction HCU depth limit. 0 disables the check")
	fs.Uint64(HCUMaxTotalKey, hcu.DefaultMaxTotal, "Per-transaction HCU total limit. 0 disables the check")

	fs.Bool(CoverageKey, false, "Coverage mode: replay from start-block on every run without persisting the watermark")
	fs.String(LogLevelKey, "info", fmt.Sprintf("Log level, one of %s", strings.Join(LogLevels, ", ")))
	fs.String(MetricsAddrKey, ":9650", "Listen address for /metrics and /healthz. Empty disables the server")
	fs.String(TraceEndpointKey, "", "OTLP/HTTP endpoint spans are exported to. Empty disables tracing")
	fs.Duration(HealthThresholdKey, time.Minute, "Longest a replay cycle may take before /healthz fails")
}

// BuildFlagSet returns a flag set holding every key.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("shadowd", pflag.ContinueOnError)
	AddFlags(fs)
	return fs
}

// BuildViper parses args into fs and returns the resulting viper.
func BuildViper(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return NewViper(fs)
}

// NewViper layers the environment and the config file under the already
// parsed flags of fs.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(CoverageKey, "SHADOW_COVERAGE", CoverageEnv); err != nil {
		return nil, err
	}

	if v.IsSet(ConfigFileKey) && v.GetString(ConfigFileKey) != "" {
		v.SetConfigFile(os.ExpandEnv(v.GetString(ConfigFileKey)))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
		}
	}
	return v, nil
}

// GetConfig reads and validates a Config from v.
func GetConfig(v *viper.Viper) (Config, error) {
	c := Config{
		RPCURL: v.GetString(RPCURLKey),
		DBPath: os.ExpandEnv(v.GetString(DBPathKey)),
		Replay: replay.Config{
			StartBlock:    v.GetUint64(StartBlockKey),
			PollInterval:  v.GetDuration(PollIntervalKey),
			MaxBlockRange: v.GetUint64(MaxBlockRangeKey),
			BatchRetries:  v.GetInt(BatchRetriesKey),
			RetryDelay:    v.GetDuration(RetryDelayKey),
		},
		GetAttempts: v.GetInt(GetAttemptsKey),
		GetDelay:    v.GetDuration(GetDelayKey),
		PricesFile:  os.ExpandEnv(v.GetString(PricesFileKey)),
		Limits: hcu.Limits{
			MaxDepth: v.GetUint64(HCUMaxDepthKey),
			MaxTotal: v.GetUint64(HCUMaxTotalKey),
		},
		Coverage:        v.GetBool(CoverageKey),
		LogLevel:        strings.ToLower(v.GetString(LogLevelKey)),
		MetricsAddr:     v.GetString(MetricsAddrKey),
		TraceEndpoint:   v.GetString(TraceEndpointKey),
		HealthThreshold: v.GetDuration(HealthThresholdKey),
	}
	// coverage runs start over on every launch
	c.Replay.SkipWatermark = c.Coverage

	if addr := v.GetString(ExecutorAddressKey); addr != "" {
		if !common.IsHexAddress(addr) {
			return Config{}, fmt.Errorf("%w: %s %q is not an address", ErrConfiguration, ExecutorAddressKey, addr)
		}
		c.Executor = common.HexToAddress(addr)
	}

	switch {
	case c.Replay.PollInterval <= 0:
		return Config{}, fmt.Errorf("%w: %s must be positive", ErrConfiguration, PollIntervalKey)
	case c.Replay.MaxBlockRange == 0:
		return Config{}, fmt.Errorf("%w: %s must be positive", ErrConfiguration, MaxBlockRangeKey)
	case c.Replay.BatchRetries < 0:
		return Config{}, fmt.Errorf("%w: %s must not be negative", ErrConfiguration, BatchRetriesKey)
	case c.GetAttempts <= 0:
		return Config{}, fmt.Errorf("%w: %s must be positive", ErrConfiguration, GetAttemptsKey)
	case c.GetDelay < 0:
		return Config{}, fmt.Errorf("%w: %s must not be negative", ErrConfiguration, GetDelayKey)
	case c.HealthThreshold <= 0:
		return Config{}, fmt.Errorf("%w: %s must be positive", ErrConfiguration, HealthThresholdKey)
	}
	if !slices.Contains(LogLevels, c.LogLevel) {
		return Config{}, fmt.Errorf("%w: %s %q is not one of %s", ErrConfiguration, LogLevelKey, c.LogLevel, strings.Join(LogLevels, ", "))
	}
	return c, nil
}

// RequireChain reports an error unless the chain endpoint and the executor
// address are both known.
func (c Config) RequireChain() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, RPCURLKey)
	}
	if c.Executor == (common.Address{}) {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, ExecutorAddressKey)
	}
	return nil
}
