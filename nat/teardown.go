// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import "github.com/flowcore/natclassify/packet"

// isTeardown reports whether p signals that a TCP flow is closing: a
// raw RST, or a FIN combined with ACK. Applying this to UDP packets
// (whose 13th byte carries no TCP flags) is harmless since neither bit
// pattern is meaningful there; Forward and Reverse only bother to check
// protocol TCP before calling this.
//
// The FastClick source this is ported from tests `(flags | TH_ACK)`
// instead of `(flags & TH_ACK)` — `flags | TH_ACK` is always non-zero,
// so the original's FIN branch fires on any FIN regardless of whether
// ACK is actually set. That is fixed here to the evidently intended
// `&`.
func isTeardown(p *packet.Packet) bool {
	flags := p.TCPFlags()
	if flags&packet.FlagRST != 0 {
		return true
	}
	return flags&packet.FlagFIN != 0 && flags&packet.FlagACK != 0
}
