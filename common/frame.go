package common

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

var (
	// FixLengths is required, UDP breaks without it.
	Options = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	srcMAC  = net.HardwareAddr{0x00, 0x0F, 0xAA, 0xFA, 0xAA, 0x00}
	dstMAC  = net.HardwareAddr{0x00, 0x0D, 0xBD, 0xBD, 0x00, 0xBD}
)

// CreateFrame serialises an ethernet/IPv4 frame. proto selects the layer 4 header, ports are ignored for ICMP.
func CreateFrame(proto layers.IPProtocol, src, dst net.IP, srcport, dstport uint16, payload []byte) ([]byte, error) {
	ethernetLayer := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
		Version:  4,
		TTL:      64,
		Protocol: proto,
	}

	var l4 gopacket.SerializableLayer
	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(srcport), DstPort: layers.TCPPort(dstport), SYN: true}
		tcp.SetNetworkLayerForChecksum(ipLayer)
		l4 = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(srcport), DstPort: layers.UDPPort(dstport)}
		udp.SetNetworkLayerForChecksum(ipLayer)
		l4 = udp
	default:
		l4 = &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	}

	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, Options,
		ethernetLayer,
		ipLayer,
		l4,
		gopacket.Payload(payload),
	)
	if err != nil {
		log.Error().Err(err).Msg("Error serializing frame")
		return nil, err
	}
	return buffer.Bytes(), nil
}

// CreateFrameTCP is the test helper version of CreateFrame.
func CreateFrameTCP(t require.TestingT, src, dst string, srcport, dstport uint16, payload string) []byte {
	buf, err := CreateFrame(layers.IPProtocolTCP, net.ParseIP(src), net.ParseIP(dst), srcport, dstport, []byte(payload))
	require.Nil(t, err)
	return buf
}

func CreateFrameUDP(t require.TestingT, src, dst string, srcport, dstport uint16, payload string) []byte {
	buf, err := CreateFrame(layers.IPProtocolUDP, net.ParseIP(src), net.ParseIP(dst), srcport, dstport, []byte(payload))
	require.Nil(t, err)
	return buf
}

func CreateFrameICMP(t require.TestingT, src, dst string) []byte {
	buf, err := CreateFrame(layers.IPProtocolICMPv4, net.ParseIP(src), net.ParseIP(dst), 0, 0, []byte{0, 1, 2, 3, 4})
	require.Nil(t, err)
	return buf
}
