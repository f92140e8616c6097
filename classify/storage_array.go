// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import "iter"

// arrayNode is the dense, preallocated storage variant selected when a
// level's key space is small (max_value <= 256, spec.md §4.2). Lookup is
// a direct index by the 32-bit key — the same shape as the reference
// FlowNodeArray in the original FastClick sources, which indexes
// `childs[data]` with no auxiliary occupancy structure; at this size a
// plain slice scan for iteration is cheaper than maintaining one.
type arrayNode struct {
	nodeBase

	childs []Ptr
	count  int
}

func newArrayNode(parent Node, level Level, capacity uint32) *arrayNode {
	n := &arrayNode{childs: make([]Ptr, capacity+1)}
	n.parent = parent
	n.level = level
	n.childDeletable = level.Deletable()
	return n
}

func (n *arrayNode) Count() int { return n.count }

func (n *arrayNode) Find(data Data) *Ptr {
	return &n.childs[data.Uint32()]
}

func (n *arrayNode) IncNum() { n.count++ }

func (n *arrayNode) Renew() {
	n.released = false
	for i := range n.childs {
		slot := &n.childs[i]
		if slot.IsLeaf() {
			*slot = Ptr{}
		} else if slot.IsNode() {
			slot.Node().Release()
		}
	}
	n.count = 0
}

func (n *arrayNode) ReleaseChild(child Ptr) {
	if !n.childDeletable {
		return
	}
	idx := child.Data().Uint32()
	if child.IsLeaf() {
		n.childs[idx] = Ptr{}
	} else if child.IsNode() {
		child.Node().Release()
	}
	n.count--
}

func (n *arrayNode) Duplicate(pool *Pool, recursive bool) Node {
	d := newArrayNode(nil, n.level, uint32(len(n.childs)-1))
	d.assign(&n.nodeBase)
	if recursive {
		duplicateChildren(d, n, pool)
	}
	return d
}

func (n *arrayNode) Iterate() iter.Seq[Ptr] {
	return func(yield func(Ptr) bool) {
		for i := range n.childs {
			if n.childs[i].IsEmpty() {
				continue
			}
			if !yield(n.childs[i]) {
				return
			}
		}
	}
}

func (n *arrayNode) Name() string { return "ARRAY" }
