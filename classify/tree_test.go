// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/natclassify/packet"
)

func testPacket(t *testing.T, srcPort uint16) *packet.Packet {
	t.Helper()
	return packet.New(
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"),
		srcPort, 443, packet.ProtoTCP, 0, 0,
	)
}

func TestMatchMaterializesDynamicLeaf(t *testing.T) {
	level := NewGenericLevel(20, Width16, 0xffff, Dynamic()) // TCP src port offset
	root := CreateNode(nil, level)

	pool := NewPool(8)
	template := pool.Allocate()
	template.Payload[0] = 0xAA
	root.SetDefault(LeafPtr(template, 0))

	tree := NewTree(root, pool)

	p := testPacket(t, 9001)
	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), fcb.Payload[0])
	require.EqualValues(t, 9001, fcb.Key().Uint32())

	// A second packet with the same key reuses the same FCB.
	again, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.Same(t, fcb, again)

	// A different key materializes a distinct leaf from the same template.
	other := testPacket(t, 9002)
	fcb2, err := tree.Match(other, 0)
	require.NoError(t, err)
	require.NotSame(t, fcb, fcb2)
	require.Equal(t, byte(0xAA), fcb2.Payload[0])
}

func TestMatchStaticDefaultNeverMaterializes(t *testing.T) {
	level := NewGenericLevel(20, Width16, 0xffff) // not dynamic
	root := CreateNode(nil, level)
	pool := NewPool(4)
	template := pool.Allocate()
	root.SetDefault(LeafPtr(template, 0))
	tree := NewTree(root, pool)

	fcb1, err := tree.Match(testPacket(t, 1), 0)
	require.NoError(t, err)
	fcb2, err := tree.Match(testPacket(t, 2), 0)
	require.NoError(t, err)
	require.Same(t, template, fcb1)
	require.Same(t, template, fcb2)
}

func TestMatchUnclassifiedPacket(t *testing.T) {
	level := NewGenericLevel(20, Width16, 0xffff)
	root := CreateNode(nil, level)
	pool := NewPool(4)
	tree := NewTree(root, pool)

	_, err := tree.Match(testPacket(t, 1), 0)
	require.ErrorIs(t, err, ErrUnclassifiedPacket)
}

func TestReverseMatchDetectsReuse(t *testing.T) {
	level := NewGenericLevel(20, Width16, 0xffff, Dynamic())
	root := CreateNode(nil, level)
	pool := NewPool(4)
	template := pool.Allocate()
	root.SetDefault(LeafPtr(template, 0))
	tree := NewTree(root, pool)

	p := testPacket(t, 5555)
	fcb, err := tree.Match(p, 0)
	require.NoError(t, err)
	require.True(t, tree.ReverseMatch(fcb, p, 0))

	other := testPacket(t, 6666)
	require.False(t, tree.ReverseMatch(fcb, other, 0))
}

func TestReverseMatchMultiLevel(t *testing.T) {
	portLevel := NewGenericLevel(20, Width16, 0xffff, Dynamic())
	workerLevel := NewWorkerLevel(4, Dynamic())

	root := CreateNode(nil, portLevel)
	pool := NewPool(4)

	innerTemplate := CreateNode(nil, workerLevel)
	leafTemplate := pool.Allocate()
	innerTemplate.SetDefault(LeafPtr(leafTemplate, 0))
	root.SetDefault(NodePtr(innerTemplate, 0))

	tree := NewTree(root, pool)

	p := testPacket(t, 7777)
	fcb, err := tree.Match(p, 2)
	require.NoError(t, err)
	require.True(t, tree.ReverseMatch(fcb, p, 2))
	require.False(t, tree.ReverseMatch(fcb, p, 3))
}

func TestHashNodeResizeAndFind(t *testing.T) {
	level := NewGenericLevel(20, Width16, 0xffff, Dynamic())
	n := newHashNode(nil, level)
	pool := NewPool(1)

	for i := uint16(0); i < 200; i++ {
		AddLeaf(n, Data16(i), pool.Allocate())
	}
	require.Equal(t, 200, n.Count())

	for i := uint16(0); i < 200; i++ {
		slot := n.Find(Data16(i))
		require.False(t, slot.IsEmpty())
		require.True(t, slot.IsLeaf())
	}
}

func TestArrayNodeDirectIndex(t *testing.T) {
	level := NewGenericLevel(20, Width8, 0xff, Dynamic())
	n := newArrayNode(nil, level, 256)
	pool := NewPool(1)

	AddLeaf(n, Data8(5), pool.Allocate())
	slot := n.Find(Data8(5))
	require.True(t, slot.IsLeaf())
	require.True(t, n.Find(Data8(6)).IsEmpty())
}

func TestOptimizeDowngradesToTwoCase(t *testing.T) {
	level := NewGenericLevel(20, Width8, 0xff, Dynamic())
	n := newArrayNode(nil, level, 256)
	pool := NewPool(1)
	AddLeaf(n, Data8(1), pool.Allocate())

	optimized := Optimize(n)
	require.Equal(t, "TWOCASE", optimized.Name())
	require.False(t, optimized.Find(Data8(1)).IsEmpty())
}

func TestOptimizeDowngradesToThreeCase(t *testing.T) {
	level := NewGenericLevel(20, Width8, 0xff, Dynamic())
	n := newArrayNode(nil, level, 256)
	pool := NewPool(1)
	AddLeaf(n, Data8(1), pool.Allocate())
	AddLeaf(n, Data8(2), pool.Allocate())

	optimized := Optimize(n)
	require.Equal(t, "THREECASE", optimized.Name())
	require.False(t, optimized.Find(Data8(1)).IsEmpty())
	require.False(t, optimized.Find(Data8(2)).IsEmpty())
}

func TestCombineSameLevelMergesChildren(t *testing.T) {
	level := NewGenericLevel(20, Width8, 0xff)
	pool := NewPool(1)

	a := newArrayNode(nil, level, 256)
	AddLeaf(a, Data8(1), pool.Allocate())

	b := newArrayNode(nil, level, 256)
	AddLeaf(b, Data8(2), pool.Allocate())

	merged := Combine(a, b, pool)
	require.False(t, merged.Find(Data8(1)).IsEmpty())
	require.False(t, merged.Find(Data8(2)).IsEmpty())
}

func TestCombineDifferentLevelNests(t *testing.T) {
	portLevel := NewGenericLevel(20, Width16, 0xffff)
	workerLevel := NewWorkerLevel(4)
	pool := NewPool(1)

	a := newArrayNode(nil, portLevel, 1) // small capacity, default used
	leaf := pool.Allocate()
	a.SetDefault(LeafPtr(leaf, 0))

	b := newArrayNode(nil, workerLevel, 4)
	bLeaf := pool.Allocate()
	b.SetDefault(LeafPtr(bLeaf, 0))

	merged := Combine(a, b, pool)
	require.True(t, merged.Default().IsNode())
	require.Equal(t, "WORKER", merged.Default().Node().Level().String())
}
