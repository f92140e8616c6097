// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

// Package portalloc implements the per-worker ephemeral port allocator
// the forward NAT element draws from (spec.md §4.5): the ephemeral range
// [1024, 65536) is split evenly across the workers that touch a NAT
// pair at initialization, and each worker thereafter owns its slice
// exclusively — no cross-worker synchronization is needed to pick or
// release a port.
package portalloc

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

const (
	minEphemeralPort = 1024
	maxEphemeralPort = 65536 // exclusive
)

// PortRef is one ephemeral port in a worker's partition, intrusively
// linked into that worker's free queue while unused. RefCount tracks how
// many sides of a flow still reference it: PickPort hands out a PortRef
// with RefCount 2 (the forward NAT element's FCB, plus the entry it
// inserts into the reverse lookup map). The forward side's ReleaseFlow
// puts the port back on the free queue at once, whatever the count;
// PickPort hands it out again only after both the forward and reverse
// elements have released their side and RefCount is back to zero.
type PortRef struct {
	Port     uint16
	refCount int32
}

// RefCount reports the number of outstanding references to this port.
func (r *PortRef) RefCount() int32 { return atomic.LoadInt32(&r.refCount) }

// Drop decrements RefCount without touching any worker's free queue and
// returns the value after the decrement. The reverse side of a NAT pair
// never owns the Allocator a port was picked from (spec.md §4.7: its
// release_flow only ever sees the shared PortRef, never the per-worker
// state the forward side does), so it can only drop its own share of the
// reference; the forward side's Allocator.ReleaseFlow is what actually
// returns the port to circulation.
func (r *PortRef) Drop() int32 { return atomic.AddInt32(&r.refCount, -1) }

// Allocator owns one worker's exclusive slice of the ephemeral port
// range: a circular free queue of PortRefs plus a bitset recording
// exactly which ports this worker owns, so the disjoint-partition
// invariant (no ephemeral port belongs to more than one worker; see
// Partition for the remainder ports no worker owns) is directly testable
// by ANDing two Allocators' OwnedPorts.
//
// An Allocator is not safe for concurrent use. Exactly one worker ever
// touches a given Allocator, the same per-thread-state discipline the
// reference's FlowIPNAT::state carries — there is deliberately no mutex
// here.
type Allocator struct {
	workerID int
	min, max int

	owned *bitset.BitSet

	queue       []*PortRef
	head, count int
}

// Partition splits the ephemeral port range evenly across workerIDs and
// returns one Allocator per worker. Following the reference's
// initialize() exactly: the range does not divide evenly in general, and
// any remainder ports past the last worker's slice are simply never
// allocated to anyone.
func Partition(workerIDs []int) map[int]*Allocator {
	total := maxEphemeralPort - minEphemeralPort
	perWorker := total / len(workerIDs)

	allocators := make(map[int]*Allocator, len(workerIDs))
	for n, id := range workerIDs {
		lo := minEphemeralPort + n*perWorker
		hi := lo + perWorker
		allocators[id] = newAllocator(id, lo, hi)
	}
	return allocators
}

func newAllocator(workerID, min, max int) *Allocator {
	n := max - min
	a := &Allocator{
		workerID: workerID,
		min:      min,
		max:      max,
		owned:    bitset.New(maxEphemeralPort),
		queue:    make([]*PortRef, n),
		count:    n,
	}
	for i := 0; i < n; i++ {
		port := uint16(min + i)
		a.queue[i] = &PortRef{Port: port}
		a.owned.Set(uint(port))
	}
	return a
}

// WorkerID returns the worker this allocator's partition belongs to.
func (a *Allocator) WorkerID() int { return a.workerID }

// OwnedPorts returns the bitset of ports this allocator's partition
// covers, set once at construction and never mutated afterward — tests
// use it to assert that no two workers' partitions overlap.
func (a *Allocator) OwnedPorts() *bitset.BitSet { return a.owned }

// PickPort pops a free port from the queue, skipping (and reinserting)
// any entry whose RefCount has not yet dropped back to zero — a port
// that was released by one side of a flow but not the other. Mirrors
// the reference pick_port()'s "full loop, stop here" exhaustion check:
// at most one full pass over the queue is attempted before giving up.
func (a *Allocator) PickPort() (*PortRef, error) {
	attempts := a.count
	if attempts == 0 {
		return nil, errors.Wrapf(ErrNoPorts, "worker %d: partition empty", a.workerID)
	}

	n := len(a.queue)
	for i := 0; i < attempts; i++ {
		ref := a.queue[a.head]
		a.head = (a.head + 1) % n
		a.count--

		if ref.RefCount() == 0 {
			atomic.StoreInt32(&ref.refCount, 2)
			return ref, nil
		}

		tail := (a.head + a.count) % n
		a.queue[tail] = ref
		a.count++
	}

	return nil, errors.Wrapf(ErrNoPorts, "worker %d: full loop exhausted", a.workerID)
}

// ReleaseFlow drops this worker's share of ref's reference count and
// unconditionally requeues it, mirroring the reference's
// FlowIPNAT::release_flow: the forward side always hands the port back
// to circulation immediately, even if the reverse side has not dropped
// its own share yet. PickPort's busy-skip loop is what actually keeps a
// still-referenced port out of circulation until RefCount reaches zero.
func (a *Allocator) ReleaseFlow(ref *PortRef) {
	ref.Drop()

	n := len(a.queue)
	tail := (a.head + a.count) % n
	a.queue[tail] = ref
	a.count++
}
