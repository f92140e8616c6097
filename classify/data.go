// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

// Data is the tagged 64-bit union carried by node pointers and flow control
// blocks: the key by which a child is indexed under its parent. Equality is
// always on the full 64 bits, so narrower extractors (Data8/Data16/Data32)
// must leave the unused high bits zeroed.
type Data uint64

// Data8 packs an 8-bit key into a Data, zeroing the remaining bits.
func Data8(v uint8) Data { return Data(v) }

// Data16 packs a 16-bit key into a Data, zeroing the remaining bits.
func Data16(v uint16) Data { return Data(v) }

// Data32 packs a 32-bit key into a Data, zeroing the remaining bits.
func Data32(v uint32) Data { return Data(v) }

// Data64 packs a full 64-bit key into a Data.
func Data64(v uint64) Data { return Data(v) }

// Uint32 returns the low 32 bits, the view used by the Array and Hash
// storage variants for indexing and hashing.
func (d Data) Uint32() uint32 { return uint32(d) }

// Uint64 returns the full 64-bit value.
func (d Data) Uint64() uint64 { return uint64(d) }
