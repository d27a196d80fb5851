// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

const (
	ConfigFileKey      = "config-file"
	RPCURLKey          = "rpc-url"
	ExecutorAddressKey = "executor-address"
	DBPathKey          = "db-path"
	StartBlockKey      = "start-block"
	PollIntervalKey    = "poll-interval"
	MaxBlockRangeKey   = "max-block-range"
	GetAttemptsKey     = "get-attempts"
	GetDelayKey        = "get-delay"
	BatchRetriesKey    = "batch-retries"
	RetryDelayKey      = "retry-delay"
	PricesFileKey      = "prices-file"
	CoverageKey        = "coverage"
	LogLevelKey        = "log-level"
	MetricsAddrKey     = "metrics-addr"
	TraceEndpointKey   = "trace-endpoint"
	HCUMaxDepthKey     = "hcu-max-depth"
	HCUMaxTotalKey     = "hcu-max-total"
	HealthThresholdKey = "health-threshold"
)

const (
	// EnvPrefix prefixes every key when read from the environment, with
	// dashes replaced by underscores: SHADOW_RPC_URL.
	EnvPrefix = "shadow"

	// CoverageEnv is the coverage switch set by solidity coverage runs.
	CoverageEnv = "SOLIDITY_COVERAGE"
)
