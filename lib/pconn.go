package lib

import (
	"math/rand"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const readPollInterval = 500 * time.Millisecond

// pcpProtocolConnection owns the UDP socket of a PcpCore: one goroutine
// reads datagrams into pooled buffers and hands them to the core, and
// writes go straight to the socket.
type pcpProtocolConnection struct {
	conn        net.PacketConn
	pool        *rp.RingPool
	tracer      *tracer // nil when tracing is off
	lossRate    float64
	dispatch    func(frame []byte, addr *net.UDPAddr)
	closeSignal chan struct{}
	wg          sync.WaitGroup

	randMu sync.Mutex
	rand   *rand.Rand
}

func newPcpProtocolConnection(localAddr string, pool *rp.RingPool, tr *tracer, lossRate float64, dispatch func([]byte, *net.UDPAddr)) (*pcpProtocolConnection, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", localAddr)
	}

	p := &pcpProtocolConnection{
		conn:        conn,
		pool:        pool,
		tracer:      tr,
		lossRate:    lossRate,
		dispatch:    dispatch,
		closeSignal: make(chan struct{}),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	p.wg.Add(1)
	go p.handleIncomingPackets()

	return p, nil
}

// handleIncomingPackets is the socket read loop.
func (p *pcpProtocolConnection) handleIncomingPackets() {
	defer p.wg.Done()

	spare := NewPayload(MaxPacket).(*Payload)

	for {
		select {
		case <-p.closeSignal:
			return
		default:
		}

		payload := spare
		chunk := p.pool.GetElement()
		if chunk != nil {
			payload = chunk.Data.(*Payload)
		}

		// wake up periodically to notice closeSignal
		p.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := p.conn.ReadFrom(payload.Buffer())
		if err == nil {
			payload.SetLength(n)
			p.handleFrame(payload.GetSlice(), addr)
		}

		if chunk != nil {
			p.pool.ReturnElement(chunk)
		} else {
			spare.Reset()
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnln("pcpProtocolConnection: error reading:", err)
		}
	}
}

func (p *pcpProtocolConnection) handleFrame(frame []byte, addr net.Addr) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		log.Debugln("pcpProtocolConnection: ignoring datagram from", addr)
		return
	}
	if p.tracer != nil {
		if err := p.tracer.record(udpAddr, p.conn.LocalAddr(), frame); err != nil {
			log.Debugln(err)
		}
	}
	p.dispatch(frame, udpAddr)
}

// writeTo sends one frame, unless the loss simulation eats it.
func (p *pcpProtocolConnection) writeTo(frame []byte, addr *net.UDPAddr) error {
	if p.lossRate > 0 && p.lose() {
		log.Traceln("Simulated loss of", len(frame), "bytes to", addr)
		return nil
	}

	if _, err := p.conn.WriteTo(frame, addr); err != nil {
		return errors.Wrapf(err, "write to %s", addr)
	}

	if p.tracer != nil {
		if err := p.tracer.record(p.conn.LocalAddr(), addr, frame); err != nil {
			log.Debugln(err)
		}
	}
	return nil
}

func (p *pcpProtocolConnection) lose() bool {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rand.Float64() < p.lossRate
}

func (p *pcpProtocolConnection) localAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Close stops the read loop and closes the socket.
func (p *pcpProtocolConnection) Close() error {
	close(p.closeSignal)
	err := p.conn.Close()
	p.wg.Wait()
	return errors.Wrap(err, "close socket")
}
