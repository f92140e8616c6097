// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package nat

import "github.com/pkg/errors"

// ErrNoPortsAvailable is returned by Forward.NewFlow when the worker's
// port partition is exhausted (spec.md §7's "NoPorts" fatal-per-flow
// condition: the flow cannot open, but the element keeps running).
var ErrNoPortsAvailable = errors.New("nat: no ephemeral ports available")

// ErrReverseLookupMiss is returned by Reverse.OnPacket when a packet's
// destination port has no corresponding forward mapping: either it
// never went through Forward, or the flow already tore down and the
// mapping was released.
var ErrReverseLookupMiss = errors.New("nat: no forward mapping for destination port")
