// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

// Command flownatdemo wires a flow classification tree to a Forward/
// Reverse NAT element pair and drives synthetic traffic through both, as
// a runnable stand-in for the dataflow-graph runtime spec.md leaves
// unspecified.
package main

import (
	"log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
