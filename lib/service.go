package lib

import (
	"context"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// AcceptBacklog is how many established connections may wait for Accept.
const AcceptBacklog = 64

// Service hands out inbound connections once their handshake completes.
type Service struct {
	core        *PcpCore
	acceptCh    chan *Connection
	closeSignal chan struct{}

	mu       sync.Mutex
	isClosed bool
}

func newService(core *PcpCore) *Service {
	return &Service{
		core:        core,
		acceptCh:    make(chan *Connection, AcceptBacklog),
		closeSignal: make(chan struct{}),
	}
}

// Accept waits for the next established inbound connection.
func (s *Service) Accept() (*Connection, error) {
	return s.AcceptContext(context.Background())
}

func (s *Service) AcceptContext(ctx context.Context) (*Connection, error) {
	select {
	case conn := <-s.acceptCh:
		return conn, nil
	case <-s.closeSignal:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) Addr() net.Addr {
	return s.core.LocalAddr()
}

// enqueue is called from the engine's open callback, with the connection locked.
func (s *Service) enqueue(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isClosed {
		select {
		case s.acceptCh <- conn:
			return
		default:
			log.Warnln("Service: accept backlog full, dropping connection from", conn.RemoteAddr())
		}
	}
	go conn.abort(ErrConnectionAborted)
}

// Close stops accepting. Connections already returned by Accept stay open;
// those still waiting in the backlog are aborted.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.isClosed = true
	close(s.closeSignal)

	var pending []*Connection
	for {
		select {
		case conn := <-s.acceptCh:
			pending = append(pending, conn)
			continue
		default:
		}
		break
	}
	s.mu.Unlock()

	s.core.stopListening(s)
	for _, conn := range pending {
		conn.abort(ErrConnectionAborted)
	}

	log.Infoln("Pcp service on", s.Addr(), "stopped.")
	return nil
}
