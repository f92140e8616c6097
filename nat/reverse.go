// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"github.com/flowcore/natclassify/packet"
)

// Reverse is the element paired with a Forward: it looks up a packet's
// destination port in the Forward's shared map, rewrites the packet's
// destination back to the flow's original source, and releases its own
// share of the port's reference count on teardown (spec.md §4.7).
//
// The reference's reverse_flow only ever consults the shared map once,
// on the first packet of a reverse flow, via a destructive find-and-remove
// — the looked-up mapping is meant to live on in that flow's own
// classification leaf for the rest of the flow's life. Since this
// package doesn't require Reverse to be built as a second
// classification tree to behave correctly (nothing in spec.md's testable
// properties calls for that), the same "look up once, cache for the rest
// of the flow" shape is expressed here with a small local cache instead.
type Reverse struct {
	forward *Forward
	cache   reverseMap
}

// NewReverse builds a Reverse bound to forward, reusing its notion of
// how many workers touch this NAT pair to size the same MT-safe/plain
// choice for its own cache.
func NewReverse(forward *Forward) *Reverse {
	return &Reverse{forward: forward, cache: newReverseMap(len(forward.allocators))}
}

// OnPacket rewrites p's destination address and port back to the
// original flow's source, setting the destination annotation alongside
// the wire rewrite, and checks for TCP teardown on every packet — unlike
// the reference, whose equivalent check sat after an unconditional
// early return and so never actually ran.
func (r *Reverse) OnPacket(workerID int, p *packet.Packet) (*ReverseEntry, error) {
	port := p.DstPort()

	entry, ok := r.cache.get(port)
	if !ok {
		found, ok2 := r.forward.shared.findRemove(port)
		if !ok2 {
			reverseLookupMisses.Inc()
			Logger.Warnw("reverse lookup miss", "port", port, "worker", workerID)
			return nil, ErrReverseLookupMiss
		}
		entry = found
		r.cache.insert(port, entry)
	}

	p.RewriteIPPort(entry.OriginalSrcIP, entry.OriginalSrcPort, true)
	p.SetDstAnnotation(entry.OriginalSrcIP)

	if p.Protocol() == packet.ProtoTCP && isTeardown(p) {
		r.cache.delete(port)
		entry.Ref.Drop()
	}

	return &entry, nil
}

// PushBatch rewrites every packet in batch via OnPacket, stopping at the
// first lookup miss.
func (r *Reverse) PushBatch(workerID int, batch []*packet.Packet) error {
	for _, p := range batch {
		if _, err := r.OnPacket(workerID, p); err != nil {
			return err
		}
	}
	return nil
}
