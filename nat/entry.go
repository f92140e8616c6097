// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"net/netip"
	"sync"

	"github.com/flowcore/natclassify/portalloc"
)

// ReverseEntry is what Forward records for each flow it opens, keyed by
// the port it allocated: enough for Reverse to undo the rewrite and to
// share the same PortRef so both sides' releases observe one reference
// count (spec.md §4.6).
type ReverseEntry struct {
	OriginalSrcIP   netip.Addr
	OriginalSrcPort uint16
	Ref             *portalloc.PortRef
}

// reverseMap is the lookup table shared between a Forward and its
// paired Reverse, keyed by allocated port. Two implementations exist
// because spec.md §4.6 ties the MT-safety decision to how many workers
// actually touch it: a NAT pair touched by a single worker can skip
// synchronization entirely, matching the reference's
// `_map.disable_mt()` when `touching.weight() <= 1`.
type reverseMap interface {
	insert(port uint16, entry ReverseEntry)
	findRemove(port uint16) (ReverseEntry, bool)
	get(port uint16) (ReverseEntry, bool)
	delete(port uint16)
}

// newReverseMap selects the mt-safe or plain implementation based on how
// many distinct workers touch this NAT pair, mirroring the reference's
// initialize()-time, not per-packet, choice.
func newReverseMap(touchingWorkers int) reverseMap {
	if touchingWorkers <= 1 {
		return &plainReverseMap{entries: make(map[uint16]ReverseEntry)}
	}
	return &mtSafeReverseMap{entries: make(map[uint16]ReverseEntry)}
}

type plainReverseMap struct {
	entries map[uint16]ReverseEntry
}

func (m *plainReverseMap) insert(port uint16, entry ReverseEntry) {
	m.entries[port] = entry
}

func (m *plainReverseMap) findRemove(port uint16) (ReverseEntry, bool) {
	entry, ok := m.entries[port]
	if ok {
		delete(m.entries, port)
	}
	return entry, ok
}

func (m *plainReverseMap) get(port uint16) (ReverseEntry, bool) {
	entry, ok := m.entries[port]
	return entry, ok
}

func (m *plainReverseMap) delete(port uint16) {
	delete(m.entries, port)
}

type mtSafeReverseMap struct {
	mu      sync.Mutex
	entries map[uint16]ReverseEntry
}

func (m *mtSafeReverseMap) insert(port uint16, entry ReverseEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[port] = entry
}

func (m *mtSafeReverseMap) findRemove(port uint16) (ReverseEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[port]
	if ok {
		delete(m.entries, port)
	}
	return entry, ok
}

func (m *mtSafeReverseMap) get(port uint16) (ReverseEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[port]
	return entry, ok
}

func (m *mtSafeReverseMap) delete(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, port)
}
