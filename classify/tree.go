// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/flowcore/natclassify/packet"
)

// Tree is a flow classification tree: a root-to-leaf decision structure
// that tests one packet field per level, with per-flow state (FCBs) held
// at the leaves (spec.md §3). A Tree owns the pool its dynamic leaves are
// allocated from and the release callback newly materialized leaves
// inherit.
type Tree struct {
	root Node
	pool *Pool
}

// NewTree builds a Tree rooted at root, allocating dynamic leaves from
// pool.
func NewTree(root Node, pool *Pool) *Tree {
	return &Tree{root: root, pool: pool}
}

// Root returns the tree's root node.
func (t *Tree) Root() Node { return t.root }

// SetRoot replaces the tree's root node.
func (t *Tree) SetRoot(root Node) { t.root = root }

// Pool returns the tree's FCB pool.
func (t *Tree) Pool() *Pool { return t.pool }

// SetReleaseFn configures the callback every leaf materialized by Match
// inherits.
func (t *Tree) SetReleaseFn(fn ReleaseFunc) { t.pool.SetReleaseFn(fn) }

// Combine folds other's root into the tree's root using the package-level
// Combine, duplicating other's leaves from the tree's own pool.
func (t *Tree) Combine(other Node) {
	t.root = Combine(t.root, other, t.pool)
}

// Optimize downgrades Array/Hash nodes throughout the tree to
// TwoCase/ThreeCase storage where their live population has settled at
// one or two children, replacing the tree's root if it was itself
// downgraded.
func (t *Tree) Optimize() {
	t.root = Optimize(t.root)
}

// Match walks the tree from root to leaf for packet p on behalf of
// workerID, extracting one key per level and following (or
// materializing) the matching child. It implements spec.md §4.3's match
// pseudocode:
//
//   - A non-empty slot holding a leaf is returned directly, released or
//     not: a released leaf matched directly is treated as fresh, its
//     payload left exactly as the previous flow left it.
//   - A non-empty slot holding a released node is renewed in place and
//     re-keyed before the walk continues into it.
//   - An empty slot on a dynamic level materializes a child from the
//     default template: inc_num first (which may resize Hash storage),
//     then the slot is re-fetched — holding the pointer Find returned
//     across inc_num is unsafe once a resize can invalidate it.
//   - An empty slot on a non-dynamic level always falls through to the
//     static default child; no child is ever created for it.
//   - An empty slot with no default at all is ErrUnclassifiedPacket: a
//     tree-construction error, not a condition callers retry.
func (t *Tree) Match(p *packet.Packet, workerID uint8) (*FCB, error) {
	parent := t.root

	for {
		key := parent.Level().GetData(p, workerID)
		slot := parent.Find(key)

		switch {
		case !slot.IsEmpty():
			if slot.IsLeaf() {
				return slot.Leaf(), nil
			}
			if slot.Node().Released() {
				slot.Node().Renew()
				slot.SetData(key)
			}
			parent = slot.Node()
			continue

		case !parent.Default().IsEmpty():
			if !parent.Level().IsDynamic() {
				// Static default: every unmatched key routes through the
				// single template child, which is never materialized.
				def := parent.DefaultPtr()
				if def.IsLeaf() {
					return def.Leaf(), nil
				}
				parent = def.Node()
				continue
			}

			parent.IncNum()
			// inc_num may have rehashed parent's Hash storage; the slot
			// Find returned above may now point at stale backing array.
			slot = parent.Find(key)

			def := parent.Default()
			if def.IsLeaf() {
				leaf := t.pool.Allocate()
				copy(leaf.Payload, def.Leaf().Payload)
				leaf.nodeData0 = key
				leaf.releasePtr = parent
				*slot = LeafPtr(leaf, key)
				return leaf, nil
			}

			child := def.Node().Duplicate(t.pool, false)
			child.SetParent(parent)
			child.SetData(key)
			*slot = NodePtr(child, key)
			parent = child
			continue

		default:
			unclassifiedPackets.WithLabelValues(parent.Level().String()).Inc()
			return nil, errors.Wrapf(ErrUnclassifiedPacket, "level %s", parent.Level().String())
		}
	}
}

// CloseFlow closes the flow fcb represents (spec.md §4.3, §4.4): it
// detaches fcb from its current parent via ReleaseChild (reclaiming the
// slot per that storage variant's policy), fires the release callback
// configured on fcb's pool, and returns fcb to the pool's free list.
// Safe to call at most once per flow — a second call would operate on
// an FCB already back in circulation.
func (t *Tree) CloseFlow(fcb *FCB) {
	if parent := fcb.Parent(); parent != nil {
		parent.ReleaseChild(LeafPtr(fcb, fcb.Key()))
	}
	fcb.Release()
	t.pool.Release(fcb)
}

// ReverseMatch re-derives fcb's key at every level from fcb's current
// release_ptr up to the tree's root, comparing each against the key
// already recorded in the tree, and reports whether every level still
// agrees (spec.md §4.3's reverse_match).
//
// The reference's do-while climbs one level past the leaf's immediate
// parent unconditionally, which segfaults when that immediate parent is
// already the root (a one-level tree, or a leaf release_ptr already at
// the top). This walks the same comparisons but treats reaching the root
// as an ordinary stopping point instead of always requiring one more
// step upward.
func (t *Tree) ReverseMatch(fcb *FCB, p *packet.Packet, workerID uint8) bool {
	parent := fcb.Parent()
	if parent == nil {
		return false
	}
	if parent.Level().GetData(p, workerID) != fcb.Key() {
		return false
	}

	for parent != t.root {
		child := parent
		parent = parent.Parent()
		if parent == nil {
			return false
		}
		if parent.Level().GetData(p, workerID) != child.Data() {
			return false
		}
	}
	return true
}

// Leaves yields every FCB currently reachable from the tree's root,
// depth-first, skipping released nodes (SPEC_FULL.md §C.3; used by
// sweepers that need to walk every live flow, e.g. an idle-timeout
// reaper).
func (t *Tree) Leaves() iter.Seq[*FCB] {
	return func(yield func(*FCB) bool) {
		if t.root == nil {
			return
		}
		if !walkLeaves(t.root, yield) {
			return
		}
	}
}

func walkLeaves(n Node, yield func(*FCB) bool) bool {
	if n.Released() {
		return true
	}
	for p := range n.Iterate() {
		if p.IsLeaf() {
			if !yield(p.Leaf()) {
				return false
			}
			continue
		}
		if !walkLeaves(p.Node(), yield) {
			return false
		}
	}
	return true
}

// Combine folds two level sequences into one shared tree, the
// configuration-time operation spec.md §3's Lifecycle section alludes to
// for building a multi-element tree out of the individual per-element
// sequences each element contributes (SPEC_FULL.md §C.1). Both a and b
// must be freshly built template trees with no live FCBs yet allocated
// from a pool: Combine duplicates b's template leaves (defaults and
// explicit children) from pool and otherwise only rearranges node
// structure.
//
//   - If a and b's roots test the same field the same way (Level.Equals),
//     their roots are folded into one: every child and default of b's
//     root is grafted onto a's root, recursively combining any pair of
//     children that share a key and are both nodes.
//   - Otherwise b is nested beneath every current leaf of a: each
//     template leaf position in a becomes a node that tests b's level,
//     starting from a duplicate of b's root.
//
// pool is used only to duplicate b's leaves as they're grafted or
// nested into a; it need not be the pool either tree will eventually be
// bound to for live matching.
func Combine(a, b Node, pool *Pool) Node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	if a.Level().Equals(b.Level()) {
		combineInto(a, b, pool)
		return a
	}

	nestBeneathLeaves(a, b, pool)
	return a
}

// combineInto grafts every child and the default of b onto a, recursing
// when both sides hold a node under the same key.
func combineInto(a, b Node, pool *Pool) {
	if b.Default().IsNode() {
		if a.Default().IsNode() {
			combineInto(a.Default().Node(), b.Default().Node(), pool)
		} else if a.Default().IsEmpty() {
			child := b.Default().Node().Duplicate(pool, true)
			child.SetParent(a)
			a.SetDefault(NodePtr(child, b.Default().Data()))
		}
	} else if b.Default().IsLeaf() && a.Default().IsEmpty() {
		leaf := pool.DuplicateLeaf(b.Default().Leaf(), a)
		a.SetDefault(LeafPtr(leaf, b.Default().Data()))
	}

	for p := range b.Iterate() {
		existing := a.Find(p.Data())
		switch {
		case existing.IsEmpty():
			if p.IsLeaf() {
				leaf := pool.DuplicateLeaf(p.Leaf(), a)
				AddLeaf(a, p.Data(), leaf)
			} else {
				child := p.Node().Duplicate(pool, true)
				child.SetParent(a)
				AddNode(a, p.Data(), child)
			}
		case existing.IsNode() && p.IsNode():
			combineInto(existing.Node(), p.Node(), pool)
		}
		// existing holds a leaf already (or a node colliding with an
		// incoming leaf): b's entry at this key is dropped rather than
		// silently overwriting a's, a template-authoring error the
		// caller should fix rather than one Combine should paper over.
	}
}

// nestBeneathLeaves replaces every template leaf reachable from a with a
// fresh duplicate of b, so that reaching a former leaf of a now tests
// b's level next.
func nestBeneathLeaves(a, b Node, pool *Pool) {
	if a.Default().IsLeaf() {
		child := b.Duplicate(pool, true)
		child.SetParent(a)
		a.SetDefault(NodePtr(child, a.Default().Data()))
	} else if a.Default().IsNode() {
		nestBeneathLeaves(a.Default().Node(), b, pool)
	}

	for p := range a.Iterate() {
		if p.IsLeaf() {
			child := b.Duplicate(pool, true)
			child.SetParent(a)
			AddNode(a, p.Data(), child)
		} else {
			nestBeneathLeaves(p.Node(), b, pool)
		}
	}
}

// Optimize walks the tree depth-first and downgrades any Array or Hash
// node whose live population has settled at one or two explicit children
// into the fixed-fanout TwoCase/ThreeCase storage (SPEC_FULL.md §C.2):
// TwoCase holds one explicit child plus the default (two cases total),
// ThreeCase holds two explicit children plus the default. A linear
// compare over 1-2 slots beats probing or indexing into a mostly-empty
// table. It returns the (possibly replaced) node so a caller can
// reassign a tree's root or a parent's default/child slot.
func Optimize(n Node) Node {
	if n == nil {
		return nil
	}

	if n.Default().IsNode() {
		optimized := Optimize(n.Default().Node())
		optimized.SetParent(n)
		n.SetDefault(NodePtr(optimized, n.Default().Data()))
	}

	children := make([]Ptr, 0, n.Count())
	for p := range n.Iterate() {
		if p.IsNode() {
			optimized := Optimize(p.Node())
			optimized.SetParent(n)
			p = NodePtr(optimized, p.Data())
		}
		children = append(children, p)
	}

	switch len(children) {
	case 1:
		child := children[0]
		repl := newTwoCaseNode(n.Parent(), n.Level(), child)
		child.SetParent(repl)
		def := n.Default()
		def.SetParent(repl)
		repl.def = def
		repl.data = n.Data()
		repl.released = n.Released()
		return repl
	case 2:
		childA, childB := children[0], children[1]
		repl := newThreeCaseNode(n.Parent(), n.Level(), childA, childB)
		childA.SetParent(repl)
		childB.SetParent(repl)
		def := n.Default()
		def.SetParent(repl)
		repl.def = def
		repl.data = n.Data()
		repl.released = n.Released()
		return repl
	default:
		for _, c := range children {
			existing := n.Find(c.Data())
			*existing = c
		}
		return n
	}
}
