// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import "iter"

// Node is an interior node of the classification tree. Concrete storage
// variants (Dummy, Array, Hash, TwoCase, ThreeCase) implement it; callers
// never see the concrete type, only this interface, mirroring the
// teacher library's small vtable-like dispatch across node storage
// shapes rather than a deep class hierarchy.
type Node interface {
	// Level is the extraction policy owned by this node.
	Level() Level

	Parent() Node
	SetParent(Node)

	// Data is the key by which this node's own parent indexes it.
	Data() Data
	SetData(Data)

	// Default is the template slot consulted when Find reports an empty
	// slot; dynamic levels duplicate it to materialize new children.
	Default() Ptr
	DefaultPtr() *Ptr
	SetDefault(Ptr)

	Count() int

	// Released marks a logically-empty-but-not-yet-freed node; Renew
	// clears it back to a fresh, empty state (count 0, no live child
	// slot observably reachable).
	Released() bool
	Release()
	Renew()

	ChildDeletable() bool

	// Find returns the slot for data, which may be empty. The returned
	// pointer must not be held across a call to IncNum: Hash storage may
	// rehash there, invalidating slot positions.
	Find(data Data) *Ptr

	// IncNum records that a new child was (or is about to be)
	// materialized under this node, growing Hash storage if the
	// highwater threshold is crossed.
	IncNum()

	// ReleaseChild closes one child: leaves are detached from their slot
	// (the caller returns them to the pool afterwards), nodes are marked
	// Released; the slot becomes reusable per the storage variant's
	// policy.
	ReleaseChild(child Ptr)

	// Duplicate performs a shallow (recursive == false) or deep
	// (recursive == true) structural copy. Shallow duplication is the
	// default-template materialization path: level/parent/default are
	// copied, a fresh empty storage of the same variant and capacity is
	// allocated, no children are cloned.
	Duplicate(pool *Pool, recursive bool) Node

	// Iterate yields every populated slot, skipping empty ones.
	Iterate() iter.Seq[Ptr]

	Name() string
}

// nodeBase is the field set common to every storage variant: the parent
// back-link, the owned level, the default template slot, the key this
// node was indexed by, and the released/child-deletable flags. Concrete
// variants embed it and implement the storage-shape-specific methods
// (Find, Renew, ReleaseChild, Duplicate, IncNum, Iterate, Name, Count)
// directly.
type nodeBase struct {
	level          Level
	parent         Node
	def            Ptr
	data           Data
	released       bool
	childDeletable bool
}

func (b *nodeBase) Level() Level          { return b.level }
func (b *nodeBase) Parent() Node          { return b.parent }
func (b *nodeBase) SetParent(p Node)      { b.parent = p }
func (b *nodeBase) Data() Data            { return b.data }
func (b *nodeBase) SetData(d Data)        { b.data = d }
func (b *nodeBase) Default() Ptr          { return b.def }
func (b *nodeBase) DefaultPtr() *Ptr      { return &b.def }
func (b *nodeBase) SetDefault(p Ptr)      { b.def = p }
func (b *nodeBase) Released() bool        { return b.released }
func (b *nodeBase) Release()              { b.released = true }
func (b *nodeBase) ChildDeletable() bool  { return b.childDeletable }

func (b *nodeBase) assign(src *nodeBase) {
	b.level = src.level
	b.parent = src.parent
	b.def = src.def
	b.childDeletable = src.childDeletable
}

// CreateNode picks a storage variant for level per spec.md §4.2's
// selection rule (max_value == 0 -> Dummy, <= 256 -> Array, > 256 ->
// Hash) and wires it to parent.
func CreateNode(parent Node, level Level) Node {
	switch mv := level.MaxValue(); {
	case mv == 0:
		return newDummyNode(parent, level)
	case mv <= 256:
		return newArrayNode(parent, level, uint32(mv))
	default:
		return newHashNode(parent, level)
	}
}

// addChild inserts data->child into parent, incrementing the child count
// exactly when the slot was previously empty. It is the Go-side
// equivalent of the reference's FlowNode::add_node/add_leaf helpers,
// expressed once against the Node interface instead of duplicated per
// variant.
func addChild(parent Node, data Data, child Ptr) {
	slot := parent.Find(data)
	wasEmpty := slot.IsEmpty()
	*slot = child
	slot.SetData(data)
	if wasEmpty {
		parent.IncNum()
		// Find's slot pointer may be stale after a Hash resize
		// triggered by IncNum; re-fetch and rewrite before returning.
		slot = parent.Find(data)
		*slot = child
		slot.SetData(data)
	}
}

// AddNode adds a child node under data, growing storage if needed.
func AddNode(parent Node, data Data, n Node) { addChild(parent, data, NodePtr(n, data)) }

// AddLeaf adds a leaf under data, growing storage if needed.
func AddLeaf(parent Node, data Data, l *FCB) { addChild(parent, data, LeafPtr(l, data)) }

// duplicateChildren implements the recursive half of Node.Duplicate,
// shared by every storage variant: deep-copy the default slot if it
// holds a node, then clone every populated child, leaves via the pool's
// leaf-duplicate (which resets release_ptr to dst) and nodes by
// recursing. assign() (the shallow half) must already have run on dst
// before this is called.
func duplicateChildren(dst, src Node, pool *Pool) {
	if src.Default().IsNode() {
		child := src.Default().Node().Duplicate(pool, true)
		child.SetParent(dst)
		d := NodePtr(child, src.Default().Data())
		dst.SetDefault(d)
	}

	for p := range src.Iterate() {
		if p.IsLeaf() {
			newLeaf := pool.DuplicateLeaf(p.Leaf(), dst)
			AddLeaf(dst, p.Data(), newLeaf)
		} else {
			newNode := p.Node().Duplicate(pool, true)
			newNode.SetParent(dst)
			AddNode(dst, p.Data(), newNode)
		}
	}
}
