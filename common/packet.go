package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

// Packet is a single simulated packet. It only lives for the duration of one decision.
// NAT rewrites DstIP/DstPort in place, the pre-translation values are kept in OrigDstIP/OrigDstPort.
type Packet struct {
	Protocol string
	SrcIP    string
	SrcPort  uint16 // 0 when unknown, rendered as (ephemeral)
	DstIP    string
	DstPort  uint16
	Payload  string

	Translated  bool
	OrigDstIP   string
	OrigDstPort uint16

	// Signature is set by the payload scanner. Non-empty means the packet is an exploit.
	Signature string
}

// NewPacket builds a packet with an ephemeral source port. The protocol is upper cased like the shell does.
func NewPacket(protocol, src, dst string, dstPort uint16, payload string) *Packet {
	return &Packet{
		Protocol: strings.ToUpper(strings.TrimSpace(protocol)),
		SrcIP:    strings.TrimSpace(src),
		DstIP:    strings.TrimSpace(dst),
		DstPort:  dstPort,
		Payload:  payload,
	}
}

// SetDst rewrites the destination, remembering the first original destination for audit.
func (p *Packet) SetDst(ip string, port uint16) {
	if !p.Translated {
		p.OrigDstIP = p.DstIP
		p.OrigDstPort = p.DstPort
		p.Translated = true
	}
	p.DstIP = ip
	p.DstPort = port
}

// IsExploit - payload matched a known signature
func (p *Packet) IsExploit() bool {
	return p.Signature != ""
}

// Class is the display classification of the packet.
func (p *Packet) Class() string {
	if p.IsExploit() {
		return "exploit"
	}
	return "normal"
}

func (p *Packet) String() string {
	s := fmt.Sprintf("%s %s:%s -> %s:%s", p.Protocol, p.SrcIP, PortString(p.SrcPort), p.DstIP, PortString(p.DstPort))
	if p.Translated {
		s += fmt.Sprintf(" (was %s:%s)", p.OrigDstIP, PortString(p.OrigDstPort))
	}
	return s
}

// PortString renders a port, 0 becomes the ephemeral placeholder.
func PortString(port uint16) string {
	if port == 0 {
		return Ephemeral
	}
	return strconv.Itoa(int(port))
}

// FromFrame decodes an ethernet frame into a Packet. Only IPv4 is supported, TCP and UDP carry ports,
// everything else (ICMP, GRE...) is decided with zero ports.
func FromFrame(data []byte) (*Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		log.Debug().Msgf("Error layer while decoding frame: %v", errLayer.Error())
		if pkt.Layer(layers.LayerTypeIPv4) == nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, errLayer.Error())
		}
	}
	ipv4, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ipv4 == nil {
		return nil, ErrNoIPv4Layer
	}

	p := &Packet{
		Protocol: ProtocolName(ipv4.Protocol),
		SrcIP:    ipv4.SrcIP.String(),
		DstIP:    ipv4.DstIP.String(),
	}
	switch ipv4.Protocol {
	case layers.IPProtocolTCP:
		if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
			p.SrcPort = uint16(tcp.SrcPort)
			p.DstPort = uint16(tcp.DstPort)
		}
	case layers.IPProtocolUDP:
		if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
			p.SrcPort = uint16(udp.SrcPort)
			p.DstPort = uint16(udp.DstPort)
		}
	}
	if app := pkt.ApplicationLayer(); app != nil {
		p.Payload = string(app.Payload())
	}
	return p, nil
}

// ProtocolName is the upper case name used in rules, e.g. TCP, UDP, ICMP.
func ProtocolName(proto layers.IPProtocol) string {
	switch proto {
	case layers.IPProtocolICMPv4:
		return "ICMP"
	case layers.IPProtocolTCP:
		return "TCP"
	case layers.IPProtocolUDP:
		return "UDP"
	}
	return strings.ToUpper(proto.String())
}
