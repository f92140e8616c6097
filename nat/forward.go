// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/flowcore/natclassify/classify"
	"github.com/flowcore/natclassify/packet"
	"github.com/flowcore/natclassify/portalloc"
)

// Forward is the element that opens flows, allocates an ephemeral port
// per flow, rewrites each packet's source to the NAT's shared address,
// and detects TCP teardown (spec.md §4.6). Each flow's allocated port is
// stored in the classification tree leaf (FCB) that matched it — the
// leaf's Ref field is the flow's home, not a side table — so closing the
// flow is Forward's job alone and goes through the same tree the leaf
// came from.
type Forward struct {
	cfg        Config
	allocators map[int]*portalloc.Allocator
	shared     reverseMap
	tree       *classify.Tree
}

// NewForward builds a Forward bound to cfg, partitioning the ephemeral
// port range across touchingWorkers and selecting an MT-safe or plain
// shared map depending on how many workers that is (spec.md §4.6). tree
// is the classification tree whose leaves this Forward populates and,
// on teardown, closes.
func NewForward(cfg Config, touchingWorkers []int, tree *classify.Tree) (*Forward, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(touchingWorkers) == 0 {
		return nil, errors.New("nat: Forward requires at least one touching worker")
	}
	if tree == nil {
		return nil, errors.New("nat: Forward requires a classification tree")
	}

	return &Forward{
		cfg:        cfg,
		allocators: portalloc.Partition(touchingWorkers),
		shared:     newReverseMap(len(touchingWorkers)),
		tree:       tree,
	}, nil
}

// portRefOf returns the PortRef a prior NewFlow attached to fcb.Ref.
// Calling any other Forward method against an FCB NewFlow hasn't opened
// yet is a caller error, so this panics on the type assertion rather
// than returning an error for a condition that should never arise.
func portRefOf(fcb *classify.FCB) *portalloc.PortRef {
	return fcb.Ref.(*portalloc.PortRef)
}

// NewFlow allocates a port for a new flow on behalf of workerID, records
// the reverse mapping, and stores the allocated PortRef on fcb — the
// flow's classification tree leaf, already matched by the caller via
// Tree.Match (spec.md §4.6: "store port_ref in the FCB").
func (f *Forward) NewFlow(workerID int, fcb *classify.FCB, p *packet.Packet) error {
	alloc, ok := f.allocators[workerID]
	if !ok {
		return errors.Errorf("nat: worker %d not registered with this Forward", workerID)
	}

	ref, err := alloc.PickPort()
	if err != nil {
		portExhaustion.WithLabelValues(strconv.Itoa(workerID)).Inc()
		Logger.Warnw("no ephemeral ports available", "worker", workerID)
		return errors.Wrap(ErrNoPortsAvailable, err.Error())
	}

	fcb.Ref = ref
	f.shared.insert(ref.Port, ReverseEntry{
		OriginalSrcIP:   p.SrcIP(),
		OriginalSrcPort: p.SrcPort(),
		Ref:             ref,
	})
	activeFlows.WithLabelValues(strconv.Itoa(workerID)).Inc()
	return nil
}

// OnPacket rewrites p's source address and port to the NAT's shared
// identity and, for TCP, checks for teardown. It reports whether the
// flow was just torn down.
func (f *Forward) OnPacket(workerID int, fcb *classify.FCB, p *packet.Packet) bool {
	ref := portRefOf(fcb)
	p.RewriteIPPort(f.cfg.SIP, ref.Port, false)

	if p.Protocol() != packet.ProtoTCP || !isTeardown(p) {
		return false
	}

	f.CloseFlow(workerID, fcb)
	return true
}

// PushBatch rewrites every packet in batch for one flow, closing the
// flow at most once even if more than one packet in the batch signals
// teardown (a retransmitted FIN arriving in the same batch as the
// original, say).
func (f *Forward) PushBatch(workerID int, fcb *classify.FCB, batch []*packet.Packet) {
	ref := portRefOf(fcb)
	closed := false
	for _, p := range batch {
		p.RewriteIPPort(f.cfg.SIP, ref.Port, false)
		if !closed && p.Protocol() == packet.ProtoTCP && isTeardown(p) {
			f.CloseFlow(workerID, fcb)
			closed = true
		}
	}
}

// CloseFlow ends the flow fcb represents (spec.md §4.6: "invoke
// close_flow, which reclaims the FCB via the tree"): it returns fcb's
// port to workerID's partition, then hands fcb back to the tree it was
// matched from. Safe to call at most once per flow — a second call
// would both hand the same port back to circulation twice over and
// operate on an FCB already returned to the pool.
func (f *Forward) CloseFlow(workerID int, fcb *classify.FCB) {
	f.allocators[workerID].ReleaseFlow(portRefOf(fcb))
	activeFlows.WithLabelValues(strconv.Itoa(workerID)).Dec()
	f.tree.CloseFlow(fcb)
}
