// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Logger receives the events spec.md §7's error taxonomy marks as
// "warning only": hash-probe threshold crossings, logged at warning
// level, plus rehashes, logged at info level. It
// defaults to zap's no-op logger so the package is silent unless a
// caller opts in via SetLogger.
var Logger = zap.NewNop().Sugar()

// SetLogger installs the structured logger the classification tree
// reports warnings through.
func SetLogger(l *zap.SugaredLogger) { Logger = l }

var (
	// hashResizes counts Hash storage rehashes, labeled by the level's
	// String() so a specific dynamic level's growth is visible.
	hashResizes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Subsystem: "classify",
		Name:      "hash_resizes_total",
		Help:      "Number of Hash node storage rehashes, by level.",
	}, []string{"level"})

	// hashCollisionWarnings counts probe sequences in Hash storage that
	// crossed spec.md §7's 50-collision warning threshold.
	hashCollisionWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Subsystem: "classify",
		Name:      "hash_collision_warnings_total",
		Help:      "Number of Hash node probes exceeding the collision warning threshold.",
	}, []string{"level"})

	// unclassifiedPackets counts fatal UnclassifiedPacket events: a
	// classification miss with no default path, a programming error in
	// tree construction (spec.md §7).
	unclassifiedPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowcore",
		Subsystem: "classify",
		Name:      "unclassified_packets_total",
		Help:      "Number of classifier walks that hit a node with no matching child and no default.",
	}, []string{"level"})
)

func init() {
	prometheus.MustRegister(hashResizes, hashCollisionWarnings, unclassifiedPackets)
}

// hashCollisionWarnThreshold is the probe-distance threshold spec.md §7
// names ("Hash probe exceeding threshold (50 collisions)").
const hashCollisionWarnThreshold = 50
