// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/natclassify/classify"
	"github.com/flowcore/natclassify/packet"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	sip, err := netip.ParseAddr("203.0.113.1")
	require.NoError(t, err)
	return Config{SIP: sip}
}

// newTestTree builds a tree keyed on the TCP source port, dynamic so
// each distinct flow materializes its own leaf — the leaf Forward.NewFlow
// stores its allocated PortRef on.
func newTestTree(t *testing.T) *classify.Tree {
	t.Helper()
	level := classify.NewGenericLevel(20, classify.Width16, 0xffff, classify.Dynamic())
	root := classify.CreateNode(nil, level)
	pool := classify.NewPool(0)
	root.SetDefault(classify.LeafPtr(pool.Allocate(), 0))
	return classify.NewTree(root, pool)
}

func testPacket(t *testing.T, flags uint8) *packet.Packet {
	t.Helper()
	return testPacketPort(t, 51000, flags)
}

func testPacketPort(t *testing.T, srcPort uint16, flags uint8) *packet.Packet {
	t.Helper()
	src := netip.MustParseAddr("10.0.0.5")
	dst := netip.MustParseAddr("93.184.216.34")
	return packet.New(src, dst, srcPort, 80, packet.ProtoTCP, flags, 0)
}

func TestForwardReverseRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	tree := newTestTree(t)
	fwd, err := NewForward(cfg, []int{0}, tree)
	require.NoError(t, err)
	rev := NewReverse(fwd)

	p := testPacket(t, 0)
	originalSrcIP, originalSrcPort := p.SrcIP(), p.SrcPort()
	serverIP, serverPort := p.DstIP(), p.DstPort()

	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, p))
	torn := fwd.OnPacket(0, fcb, p)
	require.False(t, torn)

	ref := portRefOf(fcb)
	require.Equal(t, cfg.SIP, p.SrcIP())
	require.Equal(t, ref.Port, p.SrcPort())

	// The server's reply is addressed to what it sees as the client:
	// the NAT's shared address and the allocated port.
	reply := packet.New(serverIP, cfg.SIP, serverPort, ref.Port, packet.ProtoTCP, 0, 0)

	entry, err := rev.OnPacket(0, reply)
	require.NoError(t, err)
	require.Equal(t, originalSrcIP, reply.DstIP())
	require.Equal(t, originalSrcPort, reply.DstPort())
	require.Equal(t, originalSrcIP, reply.DstAnnotation())
	require.Equal(t, originalSrcIP, entry.OriginalSrcIP)
}

func TestForwardTeardownReleasesPort(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0}, tree)
	require.NoError(t, err)

	p := testPacket(t, packet.FlagFIN|packet.FlagACK)
	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, p))
	ref := portRefOf(fcb)

	torn := fwd.OnPacket(0, fcb, p)
	require.True(t, torn)
	require.EqualValues(t, 1, ref.RefCount())
}

func TestForwardFINWithoutACKIsNotTeardown(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0}, tree)
	require.NoError(t, err)

	p := testPacket(t, packet.FlagFIN)
	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, p))

	torn := fwd.OnPacket(0, fcb, p)
	require.False(t, torn, "a bare FIN without ACK must not tear down the flow")
}

func TestForwardRSTTearsDownImmediately(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0}, tree)
	require.NoError(t, err)

	p := testPacket(t, packet.FlagRST)
	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, p))

	require.True(t, fwd.OnPacket(0, fcb, p))
}

func TestForwardPushBatchReleasesOnce(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0}, tree)
	require.NoError(t, err)

	first := testPacket(t, 0)
	fcb, err := tree.Match(first, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, first))
	ref := portRefOf(fcb)

	fin := testPacket(t, packet.FlagFIN|packet.FlagACK)
	dup := testPacket(t, packet.FlagFIN|packet.FlagACK)
	batch := []*packet.Packet{first, fin, dup}

	fwd.PushBatch(0, fcb, batch)

	// Only the forward side has released so far: refcount dropped by
	// exactly one release, not two, despite two teardown-shaped packets
	// in the same batch.
	require.EqualValues(t, 1, ref.RefCount())
}

func TestReverseLookupMiss(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0}, tree)
	require.NoError(t, err)
	rev := NewReverse(fwd)

	p := testPacket(t, 0)
	_, err = rev.OnPacket(0, p)
	require.ErrorIs(t, err, ErrReverseLookupMiss)
}

func TestForwardNewFlowPortExhaustion(t *testing.T) {
	tree := newTestTree(t)
	fwd, err := NewForward(testConfig(t), []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, tree)
	require.NoError(t, err)

	var fcbs []*classify.FCB
	opened := 0
	for {
		p := testPacketPort(t, uint16(30000+opened), 0)
		fcb, err := tree.Match(p, 0)
		require.NoError(t, err)
		if err := fwd.NewFlow(0, fcb, p); err != nil {
			require.ErrorIs(t, err, ErrNoPortsAvailable)
			break
		}
		fcbs = append(fcbs, fcb)
		opened++
	}
	require.NotEmpty(t, fcbs)
	require.Greater(t, opened, 0)
}

func TestReverseTeardownDropsRefAndEvictsCache(t *testing.T) {
	cfg := testConfig(t)
	tree := newTestTree(t)
	fwd, err := NewForward(cfg, []int{0}, tree)
	require.NoError(t, err)
	rev := NewReverse(fwd)

	open := testPacket(t, 0)
	serverIP, serverPort := open.DstIP(), open.DstPort()
	fcb, err := tree.Match(open, 0)
	require.NoError(t, err)
	require.NoError(t, fwd.NewFlow(0, fcb, open))
	fwd.OnPacket(0, fcb, open)
	ref := portRefOf(fcb)

	reply := packet.New(serverIP, cfg.SIP, serverPort, ref.Port, packet.ProtoTCP, 0, 0)
	entry, err := rev.OnPacket(0, reply)
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Ref.RefCount())

	// Forward side sees a client-initiated close and releases (2->1,
	// requeued, and the FCB is handed back to the tree's pool); the
	// reverse side then observes the server's FIN/ACK on the same flow
	// and drops its own share (1->0).
	fwd.CloseFlow(0, fcb)
	require.EqualValues(t, 1, ref.RefCount())

	teardownIn := packet.New(serverIP, cfg.SIP, serverPort, ref.Port, packet.ProtoTCP, packet.FlagFIN|packet.FlagACK, 0)
	_, err = rev.OnPacket(0, teardownIn)
	require.NoError(t, err)
	require.EqualValues(t, 0, ref.RefCount())

	// The teardown evicted the reverse side's cached entry, and the shared
	// map entry was consumed by the first reply, so a later reply on the
	// same port misses.
	late := packet.New(serverIP, cfg.SIP, serverPort, ref.Port, packet.ProtoTCP, 0, 0)
	_, err = rev.OnPacket(0, late)
	require.ErrorIs(t, err, ErrReverseLookupMiss)
}
