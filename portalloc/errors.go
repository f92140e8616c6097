// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package portalloc

import "github.com/pkg/errors"

// ErrNoPorts is returned by PickPort when a worker's free queue is
// exhausted: every port in its partition is either still held by a live
// flow, or was visited once already during the current pick attempt
// (spec.md §4.5's "full loop, stop here" exhaustion check).
var ErrNoPorts = errors.New("portalloc: no ports available")
