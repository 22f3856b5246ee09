package lib

// Connection states
const (
	StateListen State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateClosed
)

// Flag constants
const (
	// PCP flag constants
	RSTFlag uint8 = 1 << 0
	CTLFlag uint8 = 1 << 1
)

// Control codes carried in the first payload byte of a CTL segment
const (
	CtlConnect uint8 = 0
)

const (
	HeaderLength    = 24 // pcp segment header, no options
	UdpHeaderLength = 8
	IpHeaderLength  = 20
	PacketOverhead  = HeaderLength + UdpHeaderLength + IpHeaderLength

	MaxPacket = 65535
	MinPacket = 68

	DefaultBufferSize = 61440
)

// timing constants, all in milliseconds
const (
	MinRto        = 250   // RFC1122 "fractions of a second"
	DefRto        = 3000  // RFC1122 initial value
	MaxRto        = 60000 // 60 seconds
	AckDelay      = 500
	BlockingRetry = 250

	DefaultTimeout = 4000      // wake up at least this often
	ClosedTimeout  = 60 * 1000 // once closed, poll once a minute

	ProbeTimeout     = 15000 // zero-window silence before giving up
	MaxProbeInterval = 5000

	IdlePing    = 20 * 1000 // keepalive ping interval
	IdleTimeout = 90 * 1000 // keepalive silence before giving up
)

// retransmit limits per segment
const (
	MaxRetransmitEstablished = 15
	MaxRetransmitHandshake   = 30
)

// packetMaximums is the standard MTU step-down ladder. The trailing zero ends the list.
var packetMaximums = [...]uint16{
	65535, // theoretical maximum, Hyperchannel
	32000, // nothing
	17914, // 16Mb IBM Token Ring
	8166,  // IEEE 802.4
	4352,  // FDDI
	2002,  // IEEE 802.5 (4Mb recommended)
	1492,  // IEEE 802.3
	1006,  // SLIP, ARPANET
	508,   // IEEE 802/Source-Rt Bridge, ARCNET
	296,   // Point-to-Point (low delay)
	68,    // official minimum
	0,
}
