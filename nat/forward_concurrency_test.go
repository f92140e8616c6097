// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/flowcore/natclassify/classify"
)

// newConcurrentTestTree builds a worker-dispatched tree: a static,
// pre-populated WorkerLevel root whose per-worker subtrees are each a
// dynamic, TCP-source-port-keyed node. Every worker's subtree is a
// distinct Node reached through a root slot that's already populated
// before any goroutine starts, so concurrent Match calls never mutate
// shared storage — each goroutine only ever materializes leaves inside
// its own subtree, the same per-worker-exclusive-ownership shape
// portalloc.Allocator relies on to skip locking entirely.
func newConcurrentTestTree(t *testing.T, numWorkers int) *classify.Tree {
	t.Helper()

	workerLevel := classify.NewWorkerLevel(uint8(numWorkers))
	portLevel := classify.NewGenericLevel(20, classify.Width16, 0xffff, classify.Dynamic())

	root := classify.CreateNode(nil, workerLevel)
	pool := classify.NewPool(0)

	for w := 0; w < numWorkers; w++ {
		sub := classify.CreateNode(root, portLevel)
		sub.SetDefault(classify.LeafPtr(pool.Allocate(), 0))
		classify.AddNode(root, classify.Data8(uint8(w)), sub)
	}

	return classify.NewTree(root, pool)
}

// TestConcurrentWorkersDisjointPorts drives one goroutine per worker
// against a single Forward, each opening and closing its own flows, and
// checks that no worker ever sees a port collide with another's: the
// per-worker partition (spec.md §4.5) is what makes this safe without any
// locking in Allocator itself.
func TestConcurrentWorkersDisjointPorts(t *testing.T) {
	const numWorkers = 8
	const flowsPerWorker = 50

	workerIDs := make([]int, numWorkers)
	for i := range workerIDs {
		workerIDs[i] = i
	}

	tree := newConcurrentTestTree(t, numWorkers)
	fwd, err := NewForward(testConfig(t), workerIDs, tree)
	require.NoError(t, err)

	results := make([][]uint16, numWorkers)

	g, _ := errgroup.WithContext(context.Background())
	for _, w := range workerIDs {
		w := w
		g.Go(func() error {
			ports := make([]uint16, 0, flowsPerWorker)
			for i := 0; i < flowsPerWorker; i++ {
				p := testPacketPort(t, uint16(40000+i), 0)
				fcb, err := tree.Match(p, uint8(w))
				if err != nil {
					return err
				}
				if err := fwd.NewFlow(w, fcb, p); err != nil {
					return err
				}
				ports = append(ports, portRefOf(fcb).Port)
				fwd.CloseFlow(w, fcb)
			}
			results[w] = ports
			return nil
		})
	}
	require.NoError(t, g.Wait())

	owned := make(map[uint16]int)
	for w, ports := range results {
		for _, port := range ports {
			if other, ok := owned[port]; ok && other != w {
				t.Fatalf("port %d allocated to both worker %d and worker %d", port, other, w)
			}
			owned[port] = w
		}
	}
}
