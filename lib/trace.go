package lib

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const traceSnapLen = 65536

// tracer records every datagram crossing a PcpCore socket into a pcap file.
// Each pcp frame is wrapped in synthetic IP and UDP headers so standard
// tools can open the capture.
type tracer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	buf    gopacket.SerializeBuffer
	opts   gopacket.SerializeOptions
}

func newTracer(path string) (*tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create trace file")
	}
	tr, err := newTracerWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	tr.closer = f
	log.Infoln("Tracing pcp traffic to", path)
	return tr, nil
}

func newTracerWriter(w io.Writer) (*tracer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(traceSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &tracer{
		w:    pw,
		buf:  gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}, nil
}

// record writes one frame travelling from src to dst.
func (tr *tracer) record(src, dst net.Addr, frame []byte) error {
	srcUDP, ok1 := src.(*net.UDPAddr)
	dstUDP, ok2 := dst.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return errors.Errorf("trace: unsupported address pair %v -> %v", src, dst)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcUDP.Port),
		DstPort: layers.UDPPort(dstUDP.Port),
	}

	var network gopacket.SerializableLayer
	srcIP4, dstIP4 := srcUDP.IP.To4(), dstUDP.IP.To4()
	if srcIP4 != nil && dstIP4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP4,
			DstIP:    dstIP4,
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcUDP.IP.To16(),
			DstIP:      dstUDP.IP.To16(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	if err := gopacket.SerializeLayers(tr.buf, tr.opts, network, udp, gopacket.Payload(frame)); err != nil {
		return errors.Wrap(err, "trace: serialize")
	}
	data := tr.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: min(len(data), traceSnapLen),
		Length:        len(data),
	}
	return errors.Wrap(tr.w.WritePacket(ci, data[:ci.CaptureLength]), "trace: write")
}

func (tr *tracer) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closer == nil {
		return nil
	}
	err := tr.closer.Close()
	tr.closer = nil
	return err
}
