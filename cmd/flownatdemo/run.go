// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowcore/natclassify/classify"
	"github.com/flowcore/natclassify/nat"
	"github.com/flowcore/natclassify/packet"
	"github.com/flowcore/natclassify/portalloc"
)

func runCmd() *cobra.Command {
	var (
		workers   int
		flows     int
		sharedIP  string
		clientNet string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify and NAT a batch of synthetic per-worker flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, workers, flows, sharedIP, clientNet)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "number of simulated workers touching the NAT pair")
	cmd.Flags().IntVar(&flows, "flows", 64, "number of flows opened per worker")
	cmd.Flags().StringVar(&sharedIP, "sip", "203.0.113.1", "shared address the NAT rewrites sources to")
	cmd.Flags().StringVar(&clientNet, "client-ip", "10.0.0.1", "source address synthetic clients use")
	return cmd
}

// buildDemoTree constructs a two-level tree — worker, then TCP source
// port — to demonstrate classification alongside the NAT pair: each
// worker gets its own dynamic port-keyed subtree, the same shape the
// reference composes by nesting a per-element level sequence beneath a
// shared worker dispatch (spec.md §3).
func buildDemoTree(numWorkers uint8) *classify.Tree {
	workerLevel := classify.NewWorkerLevel(numWorkers)
	portLevel := classify.NewGenericLevel(20, classify.Width16, 0xffff, classify.Dynamic())

	root := classify.CreateNode(nil, workerLevel)
	pool := classify.NewPool(8)

	for w := uint8(0); w < numWorkers; w++ {
		sub := classify.CreateNode(root, portLevel)
		template := pool.Allocate()
		template.Payload[0] = w
		sub.SetDefault(classify.LeafPtr(template, 0))
		classify.AddNode(root, classify.Data8(w), sub)
	}

	tree := classify.NewTree(root, pool)
	tree.SetReleaseFn(func(*classify.FCB) {})
	return tree
}

func run(cmd *cobra.Command, workers, flows int, sharedIP, clientNet string) error {
	sip, err := netip.ParseAddr(sharedIP)
	if err != nil {
		return fmt.Errorf("parsing --sip: %w", err)
	}
	clientIP, err := netip.ParseAddr(clientNet)
	if err != nil {
		return fmt.Errorf("parsing --client-ip: %w", err)
	}
	serverIP := netip.MustParseAddr("93.184.216.34")

	workerIDs := make([]int, workers)
	for i := range workerIDs {
		workerIDs[i] = i
	}

	tree := buildDemoTree(uint8(workers))

	cfg := nat.Config{SIP: sip}
	fwd, err := nat.NewForward(cfg, workerIDs, tree)
	if err != nil {
		return fmt.Errorf("building forward NAT: %w", err)
	}
	rev := nat.NewReverse(fwd)

	g, _ := errgroup.WithContext(cmd.Context())
	for w := range workerIDs {
		w := w
		g.Go(func() error {
			for i := 0; i < flows; i++ {
				clientPort := uint16(20000 + i)
				p := packet.New(clientIP, serverIP, clientPort, 80, packet.ProtoTCP, 0, uint8(w))

				fcb, err := tree.Match(p, uint8(w))
				if err != nil {
					return fmt.Errorf("worker %d: classify: %w", w, err)
				}

				if err := fwd.NewFlow(w, fcb, p); err != nil {
					return fmt.Errorf("worker %d: new flow: %w", w, err)
				}
				fwd.OnPacket(w, fcb, p)

				port := fcb.Ref.(*portalloc.PortRef).Port
				reply := packet.New(serverIP, sip, 80, port, packet.ProtoTCP, 0, uint8(w))
				if _, err := rev.OnPacket(w, reply); err != nil {
					return fmt.Errorf("worker %d: reverse: %w", w, err)
				}

				teardown := packet.New(clientIP, serverIP, clientPort, 80, packet.ProtoTCP,
					packet.FlagFIN|packet.FlagACK, uint8(w))
				fwd.OnPacket(w, fcb, teardown)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	live, total := tree.Pool().Stats()
	fmt.Fprintf(cmd.OutOrStdout(),
		"classified %d flows across %d workers (pool: %d live, %d total allocated)\n",
		workers*flows, workers, live, total)
	return nil
}
