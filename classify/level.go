// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import (
	"encoding/binary"
	"fmt"

	"github.com/flowcore/natclassify/packet"
)

// Level is a policy describing how to extract one classification key from
// a packet. Each level in a tree owns one Level; the tree tests it once
// per visited node on the root-to-leaf walk.
//
// Extraction must never allocate, never mutate the packet, and never
// fail: out-of-bounds reads are a programming error in tree construction,
// not a runtime condition — a level is only ever reached after earlier
// levels have verified enough header bytes exist.
type Level interface {
	// MaxValue bounds the distinct key space; tree construction uses it
	// to pick a storage variant (Dummy/Array/Hash).
	MaxValue() uint64

	// GetData extracts this level's key from p, given the worker
	// executing it (only WorkerLevel consults workerID).
	GetData(p *packet.Packet, workerID uint8) Data

	// IsLong reports whether this is a 64-bit level, which affects hash
	// derivation in the Hash storage variant.
	IsLong() bool

	// IsDynamic reports whether unseen keys should materialize a child
	// from the default template.
	IsDynamic() bool

	// Deletable reports whether this level's children may be reclaimed.
	Deletable() bool

	// Equals reports whether other tests the same field the same way,
	// so that Combine can recognize two subtrees that branch on the
	// identical key and fold them into one node instead of nesting.
	Equals(other Level) bool

	String() string
}

// levelBase holds the two flags every Level variant carries.
type levelBase struct {
	dynamic   bool
	deletable bool
}

func (b levelBase) IsDynamic() bool { return b.dynamic }
func (b levelBase) Deletable() bool { return b.deletable }
func (b levelBase) IsLong() bool    { return false }

// LevelOption sets one optional flag on a level at construction time
// (see Dynamic and NotDeletable).
type LevelOption func(*levelBase)

// Dynamic marks a level's unseen keys as eligible for default-template
// materialization.
func Dynamic() LevelOption { return func(b *levelBase) { b.dynamic = true } }

// NotDeletable marks a level's children as never reclaimable.
func NotDeletable() LevelOption { return func(b *levelBase) { b.deletable = false } }

func newLevelBase(opts ...LevelOption) levelBase {
	b := levelBase{deletable: true}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// DummyLevel is the placeholder level used before tree merging composes
// real per-element level sequences into one shared root (spec.md §3
// Lifecycle). It carries no key and must never be asked for one.
type DummyLevel struct{ levelBase }

// NewDummyLevel builds a DummyLevel.
func NewDummyLevel() *DummyLevel { return &DummyLevel{levelBase: newLevelBase()} }

func (d *DummyLevel) MaxValue() uint64 { return 0 }

func (d *DummyLevel) GetData(*packet.Packet, uint8) Data {
	panic("classify: DummyLevel.GetData called — should have been stripped before matching")
}

func (d *DummyLevel) String() string { return "ANY" }

func (d *DummyLevel) Equals(other Level) bool {
	_, ok := other.(*DummyLevel)
	return ok
}

// AggregateLevel extracts a sub-field of the packet's 32-bit aggregate
// annotation: (aggregate >> offset) & mask.
type AggregateLevel struct {
	levelBase
	Offset uint
	Mask   uint32
}

// NewAggregateLevel builds an AggregateLevel.
func NewAggregateLevel(offset uint, mask uint32, opts ...LevelOption) *AggregateLevel {
	return &AggregateLevel{levelBase: newLevelBase(opts...), Offset: offset, Mask: mask}
}

func (l *AggregateLevel) MaxValue() uint64 { return uint64(l.Mask) }

func (l *AggregateLevel) GetData(p *packet.Packet, _ uint8) Data {
	return Data32((p.Aggregate() >> l.Offset) & l.Mask)
}

func (l *AggregateLevel) String() string { return fmt.Sprintf("AGG(%d,%#x)", l.Offset, l.Mask) }

func (l *AggregateLevel) Equals(other Level) bool {
	o, ok := other.(*AggregateLevel)
	return ok && o.Offset == l.Offset && o.Mask == l.Mask
}

// WorkerLevel extracts the identifier of the worker currently executing
// the packet.
type WorkerLevel struct {
	levelBase
	NumWorkers uint8
}

// NewWorkerLevel builds a WorkerLevel bounded by the number of workers
// that may touch this level.
func NewWorkerLevel(numWorkers uint8, opts ...LevelOption) *WorkerLevel {
	return &WorkerLevel{levelBase: newLevelBase(opts...), NumWorkers: numWorkers}
}

func (l *WorkerLevel) MaxValue() uint64 { return uint64(l.NumWorkers) }

func (l *WorkerLevel) GetData(_ *packet.Packet, workerID uint8) Data {
	return Data8(workerID)
}

func (l *WorkerLevel) String() string { return "WORKER" }

func (l *WorkerLevel) Equals(other Level) bool {
	_, ok := other.(*WorkerLevel)
	return ok
}

// GenericWidth is the bit width of a GenericLevel extractor.
type GenericWidth int

const (
	Width8 GenericWidth = 8
	Width16 GenericWidth = 16
	Width32 GenericWidth = 32
	Width64 GenericWidth = 64
)

// GenericLevel reads a network-byte-order field of the given width at a
// fixed byte offset in the packet's raw header view and masks it. The
// 64-bit width sets IsLong, which changes hash derivation in the Hash
// storage variant.
type GenericLevel struct {
	levelBase
	Offset int
	Width  GenericWidth
	Mask   uint64
}

// NewGenericLevel builds a GenericLevel. mask is truncated to width bits.
func NewGenericLevel(offset int, width GenericWidth, mask uint64, opts ...LevelOption) *GenericLevel {
	return &GenericLevel{levelBase: newLevelBase(opts...), Offset: offset, Width: width, Mask: mask}
}

func (l *GenericLevel) MaxValue() uint64 {
	switch l.Width {
	case Width8:
		return l.Mask & 0xff
	case Width16:
		return l.Mask & 0xffff
	case Width32:
		return l.Mask & 0xffffffff
	default:
		return l.Mask
	}
}

func (l *GenericLevel) IsLong() bool { return l.Width == Width64 }

func (l *GenericLevel) GetData(p *packet.Packet, _ uint8) Data {
	buf := p.Data()
	off := l.Offset

	switch l.Width {
	case Width8:
		return Data8(buf[off] & uint8(l.Mask))
	case Width16:
		return Data16(binary.BigEndian.Uint16(buf[off:off+2]) & uint16(l.Mask))
	case Width32:
		return Data32(binary.BigEndian.Uint32(buf[off:off+4]) & uint32(l.Mask))
	default:
		return Data64(binary.BigEndian.Uint64(buf[off:off+8]) & l.Mask)
	}
}

func (l *GenericLevel) String() string {
	return fmt.Sprintf("%d/%d/%#x", l.Offset, l.Width, l.Mask)
}

func (l *GenericLevel) Equals(other Level) bool {
	o, ok := other.(*GenericLevel)
	return ok && o.Offset == l.Offset && o.Width == l.Width && o.Mask == l.Mask
}
