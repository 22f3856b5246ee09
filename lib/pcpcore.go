package lib

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/ptcp/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrAlreadyListening = errors.New("pcp: core is already listening")

type PcpCoreConfig struct {
	PayloadPoolSize      int               // how many datagram buffers in the pool
	PoolDebug            bool              // Ring Pool debug setting
	ProcessTimeThreshold int               // ms a pooled buffer may be held before the pool complains
	PacketLossRate       float64           // simulated outbound loss, 0 disables
	TraceFile            string            // pcap output path, empty disables
	Conversation         uint32            // fixed conversation number for dials, 0 allocates one
	ConvLower, ConvUpper uint32            // range of allocated conversation numbers
	ConnConfig           *ConnectionConfig // per connection settings
}

func DefaultPcpCoreConfig() *PcpCoreConfig {
	return &PcpCoreConfig{
		PayloadPoolSize:      config.DefaultPayloadPoolSize,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		ConvLower:            1,
		ConvUpper:            0xffff,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

func NewPcpCoreConfig(cfg *config.Config) *PcpCoreConfig {
	coreConfig := DefaultPcpCoreConfig()
	coreConfig.PayloadPoolSize = cfg.PayloadPoolSize
	coreConfig.PoolDebug = cfg.PoolDebug
	coreConfig.PacketLossRate = cfg.PacketLossRate
	coreConfig.TraceFile = cfg.TraceFile
	coreConfig.Conversation = cfg.Conversation
	coreConfig.ConnConfig = NewConnectionConfig(cfg)
	return coreConfig
}

// PcpCore multiplexes pcp connections over one UDP socket. Datagrams are
// routed by (remote address, conversation number).
type PcpCore struct {
	config   *PcpCoreConfig
	pConn    *pcpProtocolConnection
	convPool *ConvPool
	tracer   *tracer

	mu            sync.Mutex
	connectionMap map[connKey]*Connection
	service       *Service
	isClosed      bool
	closeOnce     sync.Once
}

// NewPcpCore binds localAddr ("host:port", port 0 picks one) and starts
// reading from it.
func NewPcpCore(localAddr string, coreConfig *PcpCoreConfig) (*PcpCore, error) {
	if coreConfig == nil {
		coreConfig = DefaultPcpCoreConfig()
	}
	if coreConfig.ConnConfig == nil {
		coreConfig.ConnConfig = DefaultConnectionConfig()
	}

	p := &PcpCore{
		config:        coreConfig,
		convPool:      newConvPool(coreConfig.ConvLower, coreConfig.ConvUpper),
		connectionMap: make(map[connKey]*Connection),
	}

	if coreConfig.TraceFile != "" {
		tr, err := newTracer(coreConfig.TraceFile)
		if err != nil {
			return nil, err
		}
		p.tracer = tr
	}

	rp.Debug = coreConfig.PoolDebug
	pool := newPayloadPool(max(coreConfig.PayloadPoolSize, 1), MaxPacket)
	pool.Debug = coreConfig.PoolDebug
	pool.ProcessTimeThreshold = time.Duration(coreConfig.ProcessTimeThreshold) * time.Millisecond

	pConn, err := newPcpProtocolConnection(localAddr, pool, p.tracer, coreConfig.PacketLossRate, p.dispatch)
	if err != nil {
		if p.tracer != nil {
			p.tracer.Close()
		}
		return nil, err
	}
	p.pConn = pConn

	log.Infoln("Pcp core started on", pConn.localAddr())
	return p, nil
}

func (p *PcpCore) LocalAddr() net.Addr {
	return p.pConn.localAddr()
}

// Dial opens a connection to remote ("host:port") and waits for the
// handshake to finish or ctx to end.
func (p *PcpCore) Dial(ctx context.Context, remote string) (*Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", remote)
	}

	conv, ownsConv := p.config.Conversation, false
	if conv == 0 {
		if conv, err = p.convPool.allocate(); err != nil {
			return nil, err
		}
		ownsConv = true
	}
	releaseConv := func() {
		if ownsConv {
			p.convPool.release(conv)
		}
	}

	key := connKey{addr: raddr.String(), conv: conv}

	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		releaseConv()
		return nil, net.ErrClosed
	}
	if _, ok := p.connectionMap[key]; ok {
		p.mu.Unlock()
		releaseConv()
		return nil, errors.Errorf("pcp: conversation %d with %s is already in use", conv, raddr)
	}
	conn := newConnection(p, &connectionParams{
		key:        key,
		isServer:   false,
		ownsConv:   ownsConv,
		remoteAddr: raddr,
	}, p.config.ConnConfig)
	p.connectionMap[key] = conn
	p.mu.Unlock()

	log.Debugln("Dialing", raddr, "with conversation", conv)
	if err := conn.connect(ctx); err != nil {
		conn.abort(ErrConnectionAborted)
		return nil, err
	}
	return conn, nil
}

// Listen makes the core accept incoming connections. A core has at most one service.
func (p *PcpCore) Listen() (*Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return nil, net.ErrClosed
	}
	if p.service != nil {
		return nil, ErrAlreadyListening
	}
	p.service = newService(p)
	log.Infoln("Pcp service listening on", p.pConn.localAddr())
	return p.service, nil
}

func (p *PcpCore) stopListening(s *Service) {
	p.mu.Lock()
	if p.service == s {
		p.service = nil
	}
	p.mu.Unlock()
}

// dispatch routes one inbound frame. Connect requests for unknown
// conversations start a new server-side connection when listening.
func (p *PcpCore) dispatch(frame []byte, addr *net.UDPAddr) {
	conv, ok := PeekConversation(frame)
	if !ok {
		log.Debugln("Dropping short datagram from", addr)
		return
	}
	key := connKey{addr: addr.String(), conv: conv}

	p.mu.Lock()
	conn := p.connectionMap[key]
	if conn == nil && p.service != nil && !p.isClosed && isConnectRequest(frame) {
		conn = newConnection(p, &connectionParams{
			key:        key,
			isServer:   true,
			remoteAddr: addr,
			service:    p.service,
		}, p.config.ConnConfig)
		p.connectionMap[key] = conn
		log.Infoln("New connection request from", addr, "conversation", conv)
	}
	p.mu.Unlock()

	if conn == nil {
		log.Debugln("Datagram for unknown conversation", conv, "from", addr)
		return
	}
	conn.handlePacket(frame)
}

func isConnectRequest(frame []byte) bool {
	var seg Segment
	if err := seg.Unmarshal(frame); err != nil {
		return false
	}
	return seg.Flags&CTLFlag != 0 && seg.Flags&RSTFlag == 0 && len(seg.Payload) > 0 && seg.Payload[0] == CtlConnect
}

func (p *PcpCore) writeTo(frame []byte, addr *net.UDPAddr) error {
	return p.pConn.writeTo(frame, addr)
}

// unregister forgets a released connection.
func (p *PcpCore) unregister(c *Connection) {
	p.mu.Lock()
	if cur, ok := p.connectionMap[c.params.key]; ok && cur == c {
		delete(p.connectionMap, c.params.key)
	}
	p.mu.Unlock()

	if c.params.ownsConv {
		if err := p.convPool.release(c.params.key.conv); err != nil {
			log.Warnln("Releasing conversation:", err)
		}
	}
}

// NumConnections returns how many connections the core is tracking.
func (p *PcpCore) NumConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connectionMap)
}

// Close stops the service, closes every connection and then the socket.
// Failures are collected rather than stopping the shutdown.
func (p *PcpCore) Close() error {
	var result *multierror.Error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.isClosed = true
		srv := p.service
		conns := make([]*Connection, 0, len(p.connectionMap))
		for _, conn := range p.connectionMap {
			conns = append(conns, conn)
		}
		p.mu.Unlock()

		if srv != nil {
			srv.Close()
		}

		var (
			wg    sync.WaitGroup
			errMu sync.Mutex
		)
		for _, conn := range conns {
			wg.Add(1)
			go func(conn *Connection) {
				defer wg.Done()
				if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					errMu.Lock()
					result = multierror.Append(result, errors.Wrapf(err, "conversation %d", conn.Conversation()))
					errMu.Unlock()
				}
			}(conn)
		}
		wg.Wait()

		if err := p.pConn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if p.tracer != nil {
			if err := p.tracer.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close trace file"))
			}
		}

		log.Infoln("Pcp core closed.")
	})

	return result.ErrorOrNil()
}
