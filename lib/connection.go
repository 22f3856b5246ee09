package lib

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/ptcp/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errDeadline = &TimeoutError{msg: "pcp: i/o timeout"}

type ConnectionConfig struct {
	BufferSize   int           // engine send and receive buffer size
	Keepalive    bool          // ping idle connections
	MTU          uint16        // advised path MTU, 0 keeps the engine default
	CloseTimeout time.Duration // how long Close waits for queued data to drain
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		BufferSize:   DefaultBufferSize,
		Keepalive:    false,
		MTU:          0,
		CloseTimeout: 10 * time.Second,
	}
}

func NewConnectionConfig(cfg *config.Config) *ConnectionConfig {
	connConfig := DefaultConnectionConfig()
	connConfig.BufferSize = cfg.BufferSize
	connConfig.Keepalive = cfg.Keepalive
	connConfig.MTU = uint16(cfg.MTU)
	return connConfig
}

func (c *ConnectionConfig) engineConfig() *PseudoTcpConfig {
	engineConfig := DefaultPseudoTcpConfig()
	engineConfig.BufferSize = c.BufferSize
	engineConfig.Keepalive = c.Keepalive
	return engineConfig
}

type connKey struct {
	addr string
	conv uint32
}

type connectionParams struct {
	key        connKey
	isServer   bool
	ownsConv   bool // conversation number came from the core's pool
	remoteAddr *net.UDPAddr
	service    *Service // accepting service, server side only
}

// Connection is a net.Conn over one PseudoTcp engine. Every engine call is
// serialized by mu; a clock goroutine drives the engine timers and engine
// callbacks are turned into channel wakeups.
type Connection struct {
	core   *PcpCore
	params *connectionParams
	config *ConnectionConfig
	log    *log.Entry

	mu            sync.Mutex // guards tcp and the fields below
	tcp           *PseudoTcp
	leftover      []byte // readable bytes rescued when the engine closed
	closeErr      error
	closing       bool // local Close was called
	readDeadline  time.Time
	writeDeadline time.Time

	readable  chan struct{}
	writeable chan struct{}
	kick      chan struct{}
	opened    chan struct{}
	closed    chan struct{}
	done      chan struct{} // clock goroutine finished and the connection is unregistered
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(core *PcpCore, params *connectionParams, connConfig *ConnectionConfig) *Connection {
	c := &Connection{
		core:      core,
		params:    params,
		config:    connConfig,
		log:       log.WithFields(log.Fields{"conv": params.key.conv, "remote": params.key.addr}),
		readable:  make(chan struct{}, 1),
		writeable: make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.tcp = NewPseudoTcp(&connNotifier{c}, params.key.conv, connConfig.engineConfig())
	if connConfig.MTU > 0 {
		c.tcp.NotifyMTU(connConfig.MTU)
	}

	c.wg.Add(1)
	go c.runClock()
	return c
}

// connect runs the client side of the handshake.
func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	err := c.tcp.Connect()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.kickClock()

	select {
	case <-c.opened:
		c.log.Infoln("Connected to", c.params.remoteAddr)
		return nil
	case <-c.closed:
		c.mu.Lock()
		err = c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionAborted
		}
		return errors.Wrap(err, "dial")
	case <-ctx.Done():
		c.abort(ErrConnectionAborted)
		return errors.Wrap(ctx.Err(), "dial")
	}
}

// handlePacket feeds one datagram from the peer to the engine.
func (c *Connection) handlePacket(frame []byte) {
	c.mu.Lock()
	c.tcp.NotifyPacket(frame)
	c.mu.Unlock()
	c.kickClock()
}

func (c *Connection) kickClock() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// runClock sleeps until the engine's next deadline, or until kicked by new
// activity, and ticks the engine. It exits once the engine is terminal.
func (c *Connection) runClock() {
	defer c.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-c.kick:
		}

		c.mu.Lock()
		now := Now()
		c.tcp.NotifyClock(now)
		next, ok := c.tcp.GetNextClock(now)
		terminal := !ok || c.tcp.State() == StateClosed
		c.mu.Unlock()

		if terminal {
			c.finish()
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// finish tells the peer about a local close and releases the connection.
func (c *Connection) finish() {
	c.mu.Lock()
	sendReset := c.closing && !errors.Is(c.closeErr, ErrConnectionReset)
	c.mu.Unlock()

	if sendReset {
		c.sendReset()
	}
	c.core.unregister(c)
	close(c.done)
	c.log.Debugln("Connection released")
}

// sendReset lets the peer's engine close instead of retransmitting into the void.
func (c *Connection) sendReset() {
	seg := Segment{Conv: c.params.key.conv, Flags: RSTFlag}
	buf := make([]byte, HeaderLength)
	n, err := seg.Marshal(buf)
	if err == nil {
		err = c.core.writeTo(buf[:n], c.params.remoteAddr)
	}
	if err != nil {
		c.log.Debugln("sending reset:", err)
	}
}

// abort closes the engine with err and waits for the connection to be released.
func (c *Connection) abort(err error) {
	c.mu.Lock()
	if c.tcp.State() != StateClosed {
		c.tcp.closedown(err)
	}
	c.mu.Unlock()
	c.kickClock()
	<-c.done
}

func (c *Connection) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	for {
		c.mu.Lock()
		if len(c.leftover) > 0 {
			n := copy(b, c.leftover)
			c.leftover = c.leftover[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.tcp.State() == StateClosed {
			err := c.readError()
			c.mu.Unlock()
			return 0, err
		}
		n, err := c.tcp.Recv(b)
		deadline := c.readDeadline
		c.mu.Unlock()

		if err == nil {
			c.kickClock()
			return n, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return 0, errors.Wrap(err, "read")
		}
		if err := c.wait(c.readable, deadline); err != nil {
			return 0, err
		}
	}
}

// readError is returned once the engine closed and the rescued bytes are consumed.
// The runtime only ever sends a reset after a graceful close, so a reset reads as EOF.
func (c *Connection) readError() error {
	switch {
	case c.closing:
		return net.ErrClosed
	case c.closeErr == nil, errors.Is(c.closeErr, ErrConnectionReset):
		return io.EOF
	default:
		return errors.Wrap(c.closeErr, "read")
	}
}

// Write blocks until all of b is queued in the engine.
func (c *Connection) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		c.mu.Lock()
		if c.tcp.State() == StateClosed || c.closing {
			err := c.writeError()
			c.mu.Unlock()
			return written, err
		}
		n, err := c.tcp.Send(b[written:])
		deadline := c.writeDeadline
		c.mu.Unlock()

		c.kickClock()
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrWouldBlock) {
			return written, errors.Wrap(err, "write")
		}
		if err := c.wait(c.writeable, deadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Connection) writeError() error {
	switch {
	case c.closing:
		return net.ErrClosed
	case c.closeErr == nil:
		return io.ErrClosedPipe
	default:
		return errors.Wrap(c.closeErr, "write")
	}
}

// wait blocks until ch fires, the engine closes or the deadline passes.
func (c *Connection) wait(ch <-chan struct{}, deadline time.Time) error {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return errDeadline
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
	case <-c.closed:
	case <-expired:
		return errDeadline
	}
	return nil
}

// Close asks the engine to finish sending what is queued, then releases the
// connection. It gives up and aborts after CloseTimeout.
func (c *Connection) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.closing = true
		c.tcp.Close()
		c.mu.Unlock()
		c.kickClock()
		// wake blocked readers and writers
		signal(c.readable)
		signal(c.writeable)
	})
	if !first {
		return net.ErrClosed
	}

	timer := time.NewTimer(c.config.CloseTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-c.done:
	case <-timer.C:
		c.log.Warnln("Close timed out with", c.Queued(), "bytes unacknowledged, aborting")
		c.abort(ErrConnectionAborted)
		err = errors.Wrap(ErrConnectionAborted, "close")
	}
	c.wg.Wait()
	return err
}

func (c *Connection) LocalAddr() net.Addr {
	return c.core.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.params.remoteAddr
}

func (c *Connection) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	signal(c.readable)
	return nil
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	signal(c.writeable)
	return nil
}

// Conversation returns the conversation number shared with the peer.
func (c *Connection) Conversation() uint32 {
	return c.params.key.conv
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcp.State()
}

// Queued returns the number of bytes written but not yet acknowledged.
func (c *Connection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcp.Queued()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// connNotifier receives the engine callbacks. They run with c.mu held.
type connNotifier struct {
	c *Connection
}

func (n *connNotifier) OnOpen(*PseudoTcp) {
	c := n.c
	select {
	case <-c.opened:
		return
	default:
		close(c.opened)
	}
	if c.params.service != nil {
		c.params.service.enqueue(c)
	}
}

func (n *connNotifier) OnReadable(*PseudoTcp) {
	signal(n.c.readable)
}

func (n *connNotifier) OnWriteable(*PseudoTcp) {
	signal(n.c.writeable)
}

func (n *connNotifier) OnClosed(t *PseudoTcp, err error) {
	c := n.c
	c.closeErr = err
	c.leftover = append(c.leftover, t.takeReadable()...)
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	if err != nil {
		c.log.Infoln("Connection closed:", err)
	}
}

func (n *connNotifier) WritePacket(_ *PseudoTcp, buf []byte) WriteResult {
	return classifyWriteError(n.c.core.writeTo(buf, n.c.params.remoteAddr))
}

// classifyWriteError maps a socket write error onto what the engine understands.
func classifyWriteError(err error) WriteResult {
	if err == nil {
		return WriteSuccess
	}
	if errors.Is(err, syscall.EMSGSIZE) {
		return WriteTooLarge
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) || errors.Is(err, os.ErrDeadlineExceeded) {
		return WriteBlocking
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteBlocking
	}
	return WriteFail
}
