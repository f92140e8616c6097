// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package portalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionDisjoint(t *testing.T) {
	allocators := Partition([]int{0, 1, 2, 3})
	require.Len(t, allocators, 4)

	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			overlap := allocators[i].OwnedPorts().Clone()
			overlap.InPlaceIntersection(allocators[j].OwnedPorts())
			require.Zero(t, overlap.Count(), "worker %d and %d share ports", i, j)
		}
	}
}

func TestPickPortAndRelease(t *testing.T) {
	allocators := Partition([]int{0, 1})
	a := allocators[0]

	ref, err := a.PickPort()
	require.NoError(t, err)
	require.True(t, a.OwnedPorts().Test(uint(ref.Port)))
	require.EqualValues(t, 2, ref.RefCount())

	a.ReleaseFlow(ref)
	require.EqualValues(t, 1, ref.RefCount())

	// The forward side already requeued it, but it is still referenced
	// by the reverse side: a full-loop pick that only ever sees this one
	// still-busy entry must skip it and report exhaustion.
	single := newAllocator(0, int(ref.Port), int(ref.Port)+1)
	single.queue[0] = ref
	_, err = single.PickPort()
	require.ErrorIs(t, err, ErrNoPorts)

	require.EqualValues(t, 0, ref.Drop())
}

func TestPickPortExhaustion(t *testing.T) {
	allocators := Partition([]int{0, 1, 2})
	a := allocators[0]

	var picked []*PortRef
	for {
		ref, err := a.PickPort()
		if err != nil {
			require.ErrorIs(t, err, ErrNoPorts)
			break
		}
		picked = append(picked, ref)
	}
	require.NotEmpty(t, picked)

	_, err := a.PickPort()
	require.ErrorIs(t, err, ErrNoPorts)

	// Reverse side drops its share first (no queue effect), then forward
	// releases the flow, which is the call that actually requeues.
	picked[0].Drop()
	a.ReleaseFlow(picked[0])

	ref, err := a.PickPort()
	require.NoError(t, err)
	require.Equal(t, picked[0].Port, ref.Port)
}
