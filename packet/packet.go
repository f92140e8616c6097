// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

// Package packet implements the minimal packet contract the classification
// tree and the NAT element pair are specified against: a fixed-header
// IPv4+TCP/UDP view with in-place rewrite, checksum recomputation,
// annotations, and a raw byte view for the field extractor. Everything
// else (memory management, reassembly, batching transport) is the
// dataflow-graph runtime's concern and stays out of this package.
package packet

import (
	"encoding/binary"
	"net/netip"
)

// TCP flag bits, as laid out in the 13th header byte.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

const (
	ipHeaderLen  = 20
	tcpHeaderLen = 20

	ipProtoOff    = 9
	ipSrcOff      = 12
	ipDstOff      = 16
	ipChecksumOff = 10

	tcpSrcPortOff  = ipHeaderLen + 0
	tcpDstPortOff  = ipHeaderLen + 2
	tcpFlagsOff    = ipHeaderLen + 13
	tcpChecksumOff = ipHeaderLen + 16
)

// ProtoTCP and ProtoUDP are the IP protocol numbers this package rewrites.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Packet is a writable IPv4 header plus a TCP (or UDP, port-fields-only)
// header, together with the out-of-band annotations the classification
// tree and the NAT elements consult. It is the concrete stand-in for the
// "batch of packets" abstraction spec.md leaves to the dataflow-graph
// runtime.
type Packet struct {
	buf []byte // ipHeaderLen + tcpHeaderLen bytes, network byte order

	aggregate uint32     // 32-bit aggregate annotation (classify.AggregateLevel)
	dstAnno   netip.Addr // destination-IP annotation set by rewrite
	workerID  uint8      // worker recorded as executing this packet
}

// New builds a Packet from explicit header fields. Checksums are computed
// immediately so a freshly built Packet is always internally consistent.
func New(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, proto uint8, flags uint8, workerID uint8) *Packet {
	p := &Packet{buf: make([]byte, ipHeaderLen+tcpHeaderLen), workerID: workerID}

	p.buf[0] = 0x45 // version 4, IHL 5 (no options)
	p.buf[ipProtoOff] = proto

	src4 := srcIP.As4()
	dst4 := dstIP.As4()
	copy(p.buf[ipSrcOff:ipSrcOff+4], src4[:])
	copy(p.buf[ipDstOff:ipDstOff+4], dst4[:])

	binary.BigEndian.PutUint16(p.buf[tcpSrcPortOff:], srcPort)
	binary.BigEndian.PutUint16(p.buf[tcpDstPortOff:], dstPort)
	p.buf[tcpFlagsOff] = flags

	p.recomputeChecksums()
	return p
}

// Uniqueify returns a private, writable copy of p, mirroring the
// Packet::uniqueify() primitive the original rewrite pipeline calls before
// mutating a packet that may be shared with other batch members.
func (p *Packet) Uniqueify() *Packet {
	q := *p
	q.buf = append([]byte(nil), p.buf...)
	return &q
}

// Data returns the raw header bytes, the view the Generic{8,16,32,64}
// field extractors read from by offset. Callers must not retain it past
// the next rewrite.
func (p *Packet) Data() []byte { return p.buf }

// SrcIP returns the packet's current source IPv4 address.
func (p *Packet) SrcIP() netip.Addr {
	return netip.AddrFrom4([4]byte(p.buf[ipSrcOff : ipSrcOff+4]))
}

// DstIP returns the packet's current destination IPv4 address.
func (p *Packet) DstIP() netip.Addr {
	return netip.AddrFrom4([4]byte(p.buf[ipDstOff : ipDstOff+4]))
}

// SrcPort returns the transport-layer source port.
func (p *Packet) SrcPort() uint16 { return binary.BigEndian.Uint16(p.buf[tcpSrcPortOff:]) }

// DstPort returns the transport-layer destination port.
func (p *Packet) DstPort() uint16 { return binary.BigEndian.Uint16(p.buf[tcpDstPortOff:]) }

// Protocol returns the IP protocol number (ProtoTCP or ProtoUDP).
func (p *Packet) Protocol() uint8 { return p.buf[ipProtoOff] }

// TCPFlags returns the TCP flag byte; meaningless for UDP packets.
func (p *Packet) TCPFlags() uint8 { return p.buf[tcpFlagsOff] }

// Aggregate returns the 32-bit aggregate annotation used by
// classify.AggregateLevel.
func (p *Packet) Aggregate() uint32 { return p.aggregate }

// SetAggregate sets the 32-bit aggregate annotation.
func (p *Packet) SetAggregate(v uint32) { p.aggregate = v }

// WorkerID returns the identifier of the worker recorded on this packet.
// classify.WorkerLevel does not read it: it keys on the worker id passed
// to Tree.Match.
func (p *Packet) WorkerID() uint8 { return p.workerID }

// SetWorkerID pins the packet to the given worker's execution context.
func (p *Packet) SetWorkerID(id uint8) { p.workerID = id }

// DstAnnotation returns the destination-address annotation last set by
// RewriteIPPort or SetDstAnnotation.
func (p *Packet) DstAnnotation() netip.Addr { return p.dstAnno }

// SetDstAnnotation records ip as the packet's destination-address
// annotation without touching the wire header.
func (p *Packet) SetDstAnnotation(ip netip.Addr) { p.dstAnno = ip }

// RewriteIPPort rewrites the source (isDst == false) or destination
// (isDst == true) IP address and port, then recomputes the IP header
// checksum and the transport checksum (see recomputeChecksums for its
// layout). This is the rewrite_ipport primitive spec.md's external packet
// contract requires.
func (p *Packet) RewriteIPPort(ip netip.Addr, port uint16, isDst bool) {
	ip4 := ip.As4()

	if isDst {
		copy(p.buf[ipDstOff:ipDstOff+4], ip4[:])
		binary.BigEndian.PutUint16(p.buf[tcpDstPortOff:], port)
	} else {
		copy(p.buf[ipSrcOff:ipSrcOff+4], ip4[:])
		binary.BigEndian.PutUint16(p.buf[tcpSrcPortOff:], port)
	}

	p.recomputeChecksums()
}

// recomputeChecksums recomputes the IPv4 header checksum and the
// transport checksum (over a pseudo-header plus the fixed 20-byte
// transport header) from scratch. The transport checksum always uses the
// TCP layout, stored at transport offset 16, whatever the protocol; no
// UDP-layout checksum (offset 6, UDP length) is written. A full
// recompute, not an incremental one, to keep the rewrite path a single
// obviously-correct primitive, per spec.md's "assumed atomic" checksum
// contract.
func (p *Packet) recomputeChecksums() {
	binary.BigEndian.PutUint16(p.buf[ipChecksumOff:], 0)
	ipSum := checksum(p.buf[:ipHeaderLen])
	binary.BigEndian.PutUint16(p.buf[ipChecksumOff:], ipSum)

	binary.BigEndian.PutUint16(p.buf[tcpChecksumOff:], 0)

	pseudo := make([]byte, 12+tcpHeaderLen)
	copy(pseudo[0:4], p.buf[ipSrcOff:ipSrcOff+4])
	copy(pseudo[4:8], p.buf[ipDstOff:ipDstOff+4])
	pseudo[9] = p.buf[ipProtoOff]
	binary.BigEndian.PutUint16(pseudo[10:12], tcpHeaderLen)
	copy(pseudo[12:], p.buf[ipHeaderLen:ipHeaderLen+tcpHeaderLen])

	tcpSum := checksum(pseudo)
	binary.BigEndian.PutUint16(p.buf[tcpChecksumOff:], tcpSum)
}
