package lib

import (
	"github.com/Clouded-Sabre/ptcp/config"
	log "github.com/sirupsen/logrus"
)

// PseudoTcpConfig holds the per-engine knobs.
type PseudoTcpConfig struct {
	BufferSize int           // capacity of both the send and the receive buffer, at most 65535
	Keepalive  bool          // ping idle connections and abort after IdleTimeout of silence
	Clock      func() uint32 // millisecond clock, defaults to Now
}

func DefaultPseudoTcpConfig() *PseudoTcpConfig {
	return &PseudoTcpConfig{
		BufferSize: DefaultBufferSize,
		Keepalive:  false,
		Clock:      Now,
	}
}

// NewPseudoTcpConfig takes the engine knobs from the application config.
func NewPseudoTcpConfig(cfg *config.Config) *PseudoTcpConfig {
	engineConfig := DefaultPseudoTcpConfig()
	engineConfig.BufferSize = cfg.BufferSize
	engineConfig.Keepalive = cfg.Keepalive
	return engineConfig
}

// PseudoTcp is a TCP-like reliable byte stream over an unreliable datagram
// conduit. It does no I/O and starts no goroutines: the owner feeds it packets
// and clock ticks, and it answers through its Notifier. None of its methods
// may be called concurrently, nor from inside a Notifier callback.
type PseudoTcp struct {
	notify   Notifier
	clock    func() uint32
	conv     uint32
	state    State
	shutdown bool
	err      error
	log      *log.Entry

	bufSize     uint32
	keepalive   bool
	readEnable  bool
	writeEnable bool
	outgoing    bool

	// incoming
	rcvNxt     uint32
	rcvWnd     uint32
	rbuf       []byte // fixed capacity; [0:rlen] is readable, out-of-order data sits beyond rlen
	rlen       uint32
	rlist      []recvSegment
	lastRecv   uint32
	tAck       uint32
	ackPending bool

	// outgoing
	sndNxt      uint32
	sndUna      uint32
	sndWnd      uint32
	sbuf        []byte // unacknowledged plus queued bytes, starting at sndUna
	slist       []sendSegment
	lastSend    uint32
	lastTraffic uint32
	out         []byte // scratch buffer for outgoing packets

	mss       uint32
	mssLevel  int
	mtuAdvise uint32

	rtoBase  uint32
	rtoArmed bool

	tsRecent  uint32
	tsLastAck uint32

	rxRto    uint32
	rxSrtt   uint32
	rxRttvar uint32

	cwnd     uint32
	ssthresh uint32
	dupAcks  int
	recover  uint32
}

// NewPseudoTcp creates an engine in the LISTEN state for conversation conv.
func NewPseudoTcp(notify Notifier, conv uint32, config *PseudoTcpConfig) *PseudoTcp {
	if config == nil {
		config = DefaultPseudoTcpConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = Now
	}
	bufSize := config.BufferSize
	if bufSize <= 0 || bufSize > MaxPacket {
		bufSize = DefaultBufferSize
	}
	now := clock()

	t := &PseudoTcp{
		notify:     notify,
		clock:      clock,
		conv:       conv,
		state:      StateListen,
		log:        log.WithField("conv", conv),
		bufSize:    uint32(bufSize),
		keepalive:  config.Keepalive,
		readEnable: true,
		rcvWnd:     uint32(bufSize),
		rbuf:       make([]byte, bufSize),
		sndWnd:     1,
		sbuf:       make([]byte, 0, bufSize),
		out:        make([]byte, MaxPacket),
		mss:        MinPacket - PacketOverhead,
		mtuAdvise:  MaxPacket,
		rxRto:      DefRto,
		lastRecv:   now,
		lastSend:   now,
	}
	t.lastTraffic = now
	t.cwnd = 2 * t.mss
	t.ssthresh = t.bufSize
	return t
}

// Connect starts the handshake. Only legal in LISTEN.
func (t *PseudoTcp) Connect() error {
	if t.state != StateListen {
		t.err = ErrInvalidState
		return ErrInvalidState
	}

	t.setState(StateSynSent)
	t.queue([]byte{CtlConnect}, true)
	t.attemptSend(sendNone)
	return nil
}

// NotifyMTU records the path MTU advised by the owner.
func (t *PseudoTcp) NotifyMTU(mtu uint16) {
	t.mtuAdvise = max(uint32(mtu), MinPacket)
	if t.state == StateEstablished {
		t.adjustMTU()
	}
}

// NotifyPacket feeds one inbound datagram to the engine. It returns false
// once the connection is terminal and needs no more packets.
func (t *PseudoTcp) NotifyPacket(buffer []byte) bool {
	if len(buffer) > MaxPacket {
		t.log.Warnln("NotifyPacket: packet too large")
		return true
	}
	var seg Segment
	if err := seg.Unmarshal(buffer); err != nil {
		t.log.Debugln("NotifyPacket: dropping packet:", err)
		return true
	}
	return t.process(&seg)
}

// Recv copies in-order received bytes into buffer.
func (t *PseudoTcp) Recv(buffer []byte) (int, error) {
	if t.state != StateEstablished {
		t.err = ErrNotConnected
		return 0, ErrNotConnected
	}

	if t.rlen == 0 {
		t.readEnable = true
		t.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}

	read := min(uint32(len(buffer)), t.rlen)
	copy(buffer, t.rbuf[:read])
	// out-of-order data beyond rlen moves along with the readable bytes
	copy(t.rbuf, t.rbuf[read:])
	t.rlen -= read

	if t.bufSize-t.rlen-t.rcvWnd >= min(t.bufSize/2, t.mss) {
		wasClosed := t.rcvWnd == 0
		t.rcvWnd = t.bufSize - t.rlen
		if wasClosed {
			t.attemptSend(sendImmediateAck)
		}
	}

	return int(read), nil
}

// Send queues as much of buffer as fits and tries to transmit it.
func (t *PseudoTcp) Send(buffer []byte) (int, error) {
	if t.state != StateEstablished {
		t.err = ErrNotConnected
		return 0, ErrNotConnected
	}

	if t.slen() == t.bufSize {
		t.writeEnable = true
		t.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	written := t.queue(buffer, false)
	t.attemptSend(sendNone)
	return int(written), nil
}

// Close requests a graceful shutdown. The connection reaches CLOSED from
// NotifyClock once queued data is acknowledged and no ACK is pending.
func (t *PseudoTcp) Close() {
	t.shutdown = true
}

// LastError returns the error of the last failed call or the reason the
// connection closed.
func (t *PseudoTcp) LastError() error {
	return t.err
}

func (t *PseudoTcp) State() State {
	return t.state
}

func (t *PseudoTcp) Conversation() uint32 {
	return t.conv
}

// MSS returns the current maximum segment size.
func (t *PseudoTcp) MSS() int {
	return int(t.mss)
}

// Available returns the number of bytes Recv can return right now.
func (t *PseudoTcp) Available() int {
	return int(t.rlen)
}

// Queued returns the number of bytes not yet acknowledged by the peer.
func (t *PseudoTcp) Queued() int {
	return len(t.sbuf)
}

// takeReadable removes and returns the bytes still waiting for Recv.
func (t *PseudoTcp) takeReadable() []byte {
	data := append([]byte(nil), t.rbuf[:t.rlen]...)
	t.rlen = 0
	return data
}

func (t *PseudoTcp) slen() uint32 {
	return uint32(len(t.sbuf))
}

func (t *PseudoTcp) setState(state State) {
	t.state = state
	t.log.WithField("state", state).Infoln("State:", state)
}

// closedown clears all queued send data, moves to CLOSED and reports err
// (nil for a graceful local close) to the owner.
func (t *PseudoTcp) closedown(err error) {
	if t.state == StateClosed {
		return
	}
	t.sbuf = t.sbuf[:0]
	t.slist = nil
	t.ackPending = false
	t.rtoArmed = false

	t.setState(StateClosed)
	if err != nil {
		t.err = err
	}
	if t.notify != nil {
		t.notify.OnClosed(t, err)
	}
}

// adjustMTU re-derives the mss level and mss from the advised MTU.
func (t *PseudoTcp) adjustMTU() {
	for t.mssLevel = 0; packetMaximums[t.mssLevel+1] > 0; t.mssLevel++ {
		if uint32(packetMaximums[t.mssLevel]) <= t.mtuAdvise {
			break
		}
	}
	t.mss = t.mtuAdvise - PacketOverhead
	t.log.Debugln("Adjusting mss to", t.mss, "bytes")
	t.ssthresh = max(t.ssthresh, 2*t.mss)
	t.cwnd = max(t.cwnd, t.mss)
}
