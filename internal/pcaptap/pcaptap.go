// Package pcaptap implements the PCAP side-channel writer task (C8): it
// consumes tapped splice chunks, runs them through a per-direction
// dissector to recognize whole application PDUs, wraps each PDU in a
// synthetic Ethernet/IPv4/TCP frame with monotonically increasing
// per-direction sequence numbers, and writes it to a pcapgo sink. Failure
// to write a packet is logged; the splice that fed the tap is never
// interrupted by it.
package pcaptap

import (
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"

	"github.com/devolutions/gateway-go/internal/dissect"
	"github.com/devolutions/gateway-go/internal/splice"
)

// Synthetic addressing: the tap never sees the real client/server IPs at
// this layer (it only sees bytes off an already-established stream), so
// it assigns fixed stand-in endpoints, matching spec behavior for
// capture-file addressing.
var (
	syntheticClientIP = net.IPv4(10, 10, 0, 1)
	syntheticServerIP = net.IPv4(10, 10, 0, 2)

	syntheticClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	syntheticServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

const (
	syntheticClientPort = 51000
	syntheticServerPort = 3389
)

// Writer owns a pcapgo sink and the per-direction dissector + sequence
// state for a single session's capture.
type Writer struct {
	pw  *pcapgo.Writer
	log zerolog.Logger

	clientDissector dissect.Dissector
	serverDissector dissect.Dissector

	seqAtoB uint32 // client -> server
	seqBtoA uint32 // server -> client
}

// NewWriter creates a Writer that serializes frames onto w. It writes the
// PCAP file header (Ethernet link type) to w itself before returning.
func NewWriter(w io.Writer, appProto string, log zerolog.Logger) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &Writer{
		pw:              pw,
		log:             log,
		clientDissector: dissect.NewForProtocol(appProto),
		serverDissector: dissect.NewForProtocol(appProto),
	}, nil
}

// Run drains chunks from tap until its channel closes (either the splice
// ended or the tap dropped the consumer for falling behind), feeding each
// through the matching direction's dissector and writing every whole
// message it yields.
func (w *Writer) Run(tap *splice.ChannelTap) {
	for chunk := range tap.Chunks() {
		var dissector dissect.Dissector
		if chunk.Direction == "a->b" {
			dissector = w.clientDissector
		} else {
			dissector = w.serverDissector
		}

		for _, msg := range dissector.Feed(chunk.Data) {
			if err := w.writeMessage(chunk.Direction, msg); err != nil {
				w.log.Warn().Err(err).Str("direction", chunk.Direction).Msg("pcap write failed")
			}
		}
	}
}

func (w *Writer) writeMessage(direction string, msg dissect.Message) error {
	var (
		srcIP, dstIP     net.IP
		srcMAC, dstMAC   net.HardwareAddr
		srcPort, dstPort layers.TCPPort
		seq, ack         uint32
	)

	if direction == "a->b" {
		srcIP, dstIP = syntheticClientIP, syntheticServerIP
		srcMAC, dstMAC = syntheticClientMAC, syntheticServerMAC
		srcPort, dstPort = syntheticClientPort, syntheticServerPort
		seq = w.seqAtoB
		ack = w.seqBtoA
		w.seqAtoB += uint32(len(msg.Data))
	} else {
		srcIP, dstIP = syntheticServerIP, syntheticClientIP
		srcMAC, dstMAC = syntheticServerMAC, syntheticClientMAC
		srcPort, dstPort = syntheticServerPort, syntheticClientPort
		seq = w.seqBtoA
		ack = w.seqAtoB
		w.seqBtoA += uint32(len(msg.Data))
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		PSH:     true,
		ACK:     true,
		Window:  8192,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(msg.Data)); err != nil {
		return err
	}

	return w.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}, buf.Bytes())
}
