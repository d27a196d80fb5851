// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	blocksProcessed prometheus.Counter
	opsApplied      prometheus.Counter
	logsSkipped     prometheus.Counter
	batchRetries    prometheus.Counter
	batchFailures   prometheus.Counter
	watermark       prometheus.Gauge
	state           prometheus.Gauge
	batchDuration   prometheus.Histogram
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed",
			Help:      "Number of blocks whose executor logs were fully applied",
		}),
		opsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_applied",
			Help:      "Number of executor operations evaluated into the shadow store",
		}),
		logsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_skipped",
			Help:      "Number of logs that were not executor operations",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries",
			Help:      "Number of batches retried because an operand was not yet resolvable",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures",
			Help:      "Number of batches abandoned without advancing the watermark",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark",
			Help:      "Last block fully applied",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Replayer state (0 catching up, 1 idle)",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent applying one block range",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	err := errors.Join(
		registerer.Register(m.blocksProcessed),
		registerer.Register(m.opsApplied),
		registerer.Register(m.logsSkipped),
		registerer.Register(m.batchRetries),
		registerer.Register(m.batchFailures),
		registerer.Register(m.watermark),
		registerer.Register(m.state),
		registerer.Register(m.batchDuration),
	)
	return m, err
}
