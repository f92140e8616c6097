// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

// Package nat implements the forward/reverse NAT element pair (spec.md
// §4.6-§4.7): Forward allocates an ephemeral port per new flow and
// rewrites a packet's source address and port to the NAT's shared
// address; Reverse looks the mapping back up by destination port and
// rewrites in the other direction. The two share a single lookup table
// keyed by the allocated port.
package nat

import (
	"net/netip"

	"github.com/pkg/errors"
)

// Config configures a Forward element.
type Config struct {
	// SIP is the shared address packets are rewritten to carry as their
	// source once they leave through Forward.
	SIP netip.Addr
}

// Validate reports whether cfg is complete enough to build a Forward
// from, the fatal-at-configure-time check spec.md §7 requires before any
// packet is processed.
func (c Config) Validate() error {
	if !c.SIP.IsValid() {
		return errors.New("nat: Config.SIP is required")
	}
	if !c.SIP.Is4() {
		return errors.New("nat: Config.SIP must be an IPv4 address")
	}
	return nil
}
