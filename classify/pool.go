// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import (
	"sync"
	"sync/atomic"
)

// Pool is a bump allocator over a free list of fixed-size FCBs (spec.md
// §4.4). It records the release callback configured at bind time; every
// leaf materialized dynamically by the classification tree inherits it.
//
// Modeled on the teacher library's sync.Pool wrapper (pool.go): a thin,
// type-specific layer over sync.Pool that additionally tracks live/total
// counts for diagnostics.
type Pool struct {
	dataSize  int
	releaseFn ReleaseFunc

	raw sync.Pool

	totalAllocated atomic.Int64
	currentLive    atomic.Int64
}

// NewPool creates a Pool whose FCBs carry a Payload of dataSize bytes.
func NewPool(dataSize int) *Pool {
	p := &Pool{dataSize: dataSize}
	p.raw.New = func() any {
		p.totalAllocated.Add(1)
		return &FCB{Payload: make([]byte, p.dataSize)}
	}
	return p
}

// SetReleaseFn configures the callback every FCB allocated by this pool
// (including ones duplicated from a default-template leaf) will carry.
func (p *Pool) SetReleaseFn(fn ReleaseFunc) { p.releaseFn = fn }

// DataSize returns the fixed payload width FCBs from this pool carry.
func (p *Pool) DataSize() int { return p.dataSize }

// Allocate returns a fresh or recycled FCB with a zeroed payload and the
// pool's release function attached.
func (p *Pool) Allocate() *FCB {
	p.currentLive.Add(1)
	f := p.raw.Get().(*FCB)
	f.nodeData0 = 0
	f.releasePtr = nil
	f.releaseFn = p.releaseFn
	f.Ref = nil
	for i := range f.Payload {
		f.Payload[i] = 0
	}
	return f
}

// DuplicateLeaf clones template's payload into a freshly allocated FCB,
// attaches the pool's release function, and resets release_ptr to
// parent — the pool's leaf-duplicate primitive Node.Duplicate(true)
// calls when cloning a subtree including its leaves.
func (p *Pool) DuplicateLeaf(template *FCB, parent Node) *FCB {
	f := p.raw.Get().(*FCB)
	p.currentLive.Add(1)
	copy(f.Payload, template.Payload)
	f.nodeData0 = template.nodeData0
	f.releasePtr = parent
	f.releaseFn = p.releaseFn
	f.Ref = nil
	return f
}

// Release returns f to the free list for reuse.
func (p *Pool) Release(f *FCB) {
	p.currentLive.Add(-1)
	f.releasePtr = nil
	f.Ref = nil
	p.raw.Put(f)
}

// Stats reports the number of currently live (checked-out) FCBs and the
// total ever allocated.
func (p *Pool) Stats() (live, total int64) {
	return p.currentLive.Load(), p.totalAllocated.Load()
}
