// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package classify

import "github.com/pkg/errors"

// ErrUnclassifiedPacket is returned by Tree.Match when a node has
// neither a matching child nor a default path. spec.md §7 classifies
// this as fatal: a programming error in tree construction, not a
// per-packet condition the caller should try to recover from.
var ErrUnclassifiedPacket = errors.New("classify: unclassified packet, no default path")
