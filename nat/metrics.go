// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Logger receives the events spec.md §7 marks as worth recording but not
// fatal to the caller's control flow (port exhaustion, reverse lookup
// misses). Defaults to a no-op logger.
var Logger = zap.NewNop().Sugar()

// SetLogger installs the structured logger Forward and Reverse report
// through.
func SetLogger(l *zap.SugaredLogger) { Logger = l }

var (
	portExhaustion = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Subsystem: "nat",
		Name:      "port_exhaustion_total",
		Help:      "Number of Forward.NewFlow calls that found no ephemeral port available, by worker.",
	}, []string{"worker"})

	reverseLookupMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Subsystem: "nat",
		Name:      "reverse_lookup_misses_total",
		Help:      "Number of Reverse.OnPacket calls with no matching forward mapping.",
	})

	activeFlows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowcore",
		Subsystem: "nat",
		Name:      "active_flows",
		Help:      "Number of flows currently open through Forward, by worker.",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(portExhaustion, reverseLookupMisses, activeFlows)
}
