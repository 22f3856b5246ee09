package lib

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/ptcp/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReconnectConfig defines the reconnection behavior
type ReconnectConfig struct {
	Enabled           bool          // Enable auto-reconnection
	MaxRetries        int           // Maximum number of reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff duration (e.g., 100ms)
	MaxBackoff        time.Duration // Maximum backoff duration (e.g., 30s)
	BackoffMultiplier float64       // Backoff multiplier for exponential backoff (e.g., 1.5 or 2.0)
	OnReconnect       func()        // Optional callback when reconnection succeeds
	OnFinalFailure    func(error)   // Optional callback when all reconnection attempts fail
}

func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		Enabled:           true,
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func NewReconnectConfig(cfg *config.Config) *ReconnectConfig {
	return &ReconnectConfig{
		Enabled:           cfg.Reconnect.Enabled,
		MaxRetries:        cfg.Reconnect.MaxRetries,
		InitialBackoff:    cfg.Reconnect.InitialBackoff.Std(),
		MaxBackoff:        cfg.Reconnect.MaxBackoff.Std(),
		BackoffMultiplier: cfg.Reconnect.BackoffMultiplier,
	}
}

// DialConfig stores the parameters needed to recreate a connection
type DialConfig struct {
	PcpCore     *PcpCore
	RemoteAddr  string
	DialTimeout time.Duration // per attempt, 0 means no limit
}

// ReconnectingConnection wraps a client Connection and redials the same
// peer with exponential backoff when the connection is aborted, reset or
// closed by the peer.
type ReconnectingConnection struct {
	reconnectConfig *ReconnectConfig
	dialConfig      *DialConfig

	mu             sync.RWMutex
	currentConn    *Connection
	isClosed       bool
	reconnectCount int
	readDeadline   time.Time
	writeDeadline  time.Time

	lastError    error
	lastFailTime time.Time
}

func NewReconnectingConnection(conn *Connection, reconnectConfig *ReconnectConfig, dialConfig *DialConfig) *ReconnectingConnection {
	if reconnectConfig == nil {
		reconnectConfig = DefaultReconnectConfig()
	}
	return &ReconnectingConnection{
		reconnectConfig: reconnectConfig,
		dialConfig:      dialConfig,
		currentConn:     conn,
	}
}

// DialReconnecting dials once and wraps the result.
func DialReconnecting(ctx context.Context, reconnectConfig *ReconnectConfig, dialConfig *DialConfig) (*ReconnectingConnection, error) {
	conn, err := dialOnce(ctx, dialConfig)
	if err != nil {
		return nil, err
	}
	return NewReconnectingConnection(conn, reconnectConfig, dialConfig), nil
}

func dialOnce(ctx context.Context, dialConfig *DialConfig) (*Connection, error) {
	if dialConfig.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialConfig.DialTimeout)
		defer cancel()
	}
	return dialConfig.PcpCore.Dial(ctx, dialConfig.RemoteAddr)
}

func (rc *ReconnectingConnection) Read(buffer []byte) (int, error) {
	for {
		conn, err := rc.current()
		if err != nil {
			return 0, err
		}

		n, err := conn.Read(buffer)
		if err == nil || !rc.shouldReconnect(err) {
			return n, err
		}

		log.Warnf("ReconnectingConnection: Read error detected: %v. Attempting reconnection...", err)
		if err := rc.reconnect(conn, err); err != nil {
			return 0, err
		}
	}
}

// Write retries the unwritten tail on the new connection after a reconnect.
// Bytes queued on the failed connection but never acknowledged are lost.
func (rc *ReconnectingConnection) Write(buffer []byte) (int, error) {
	written := 0
	for {
		conn, err := rc.current()
		if err != nil {
			return written, err
		}

		n, err := conn.Write(buffer[written:])
		written += n
		if err == nil || !rc.shouldReconnect(err) {
			return written, err
		}

		log.Warnf("ReconnectingConnection: Write error detected: %v. Attempting reconnection...", err)
		if err := rc.reconnect(conn, err); err != nil {
			return written, err
		}
	}
}

func (rc *ReconnectingConnection) current() (*Connection, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.isClosed {
		return nil, net.ErrClosed
	}
	return rc.currentConn, nil
}

func (rc *ReconnectingConnection) reconnect(failed *Connection, cause error) error {
	err := rc.reconnectWithBackoff(context.Background(), failed, cause)
	if err == nil {
		return nil
	}
	log.Errorf("ReconnectingConnection: Reconnection failed: %v", err)
	if rc.reconnectConfig.OnFinalFailure != nil {
		rc.reconnectConfig.OnFinalFailure(err)
	}
	return err
}

func (rc *ReconnectingConnection) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.isClosed {
		return net.ErrClosed
	}
	rc.isClosed = true
	if rc.currentConn != nil {
		return rc.currentConn.Close()
	}
	return nil
}

func (rc *ReconnectingConnection) LocalAddr() net.Addr {
	return rc.dialConfig.PcpCore.LocalAddr()
}

func (rc *ReconnectingConnection) RemoteAddr() net.Addr {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentConn.RemoteAddr()
}

func (rc *ReconnectingConnection) SetDeadline(t time.Time) error {
	rc.SetReadDeadline(t)
	return rc.SetWriteDeadline(t)
}

// SetReadDeadline also applies to connections made by later reconnects.
func (rc *ReconnectingConnection) SetReadDeadline(t time.Time) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.readDeadline = t
	return rc.currentConn.SetReadDeadline(t)
}

func (rc *ReconnectingConnection) SetWriteDeadline(t time.Time) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.writeDeadline = t
	return rc.currentConn.SetWriteDeadline(t)
}

// shouldReconnect determines if an error warrants attempting reconnection
func (rc *ReconnectingConnection) shouldReconnect(err error) bool {
	if !rc.reconnectConfig.Enabled || err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrConnectionAborted) ||
		errors.Is(err, ErrConnectionReset)
}

// reconnectWithBackoff replaces failed with a fresh connection. If another
// caller already replaced it, there is nothing to do.
func (rc *ReconnectingConnection) reconnectWithBackoff(ctx context.Context, failed *Connection, cause error) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.isClosed {
		return net.ErrClosed
	}
	if rc.currentConn != failed {
		return nil
	}
	failed.Close()

	rc.reconnectCount = 0
	rc.lastError = cause
	lastErr := cause

	for {
		if rc.reconnectConfig.MaxRetries != -1 && rc.reconnectCount >= rc.reconnectConfig.MaxRetries {
			return errors.Wrapf(lastErr, "reconnection failed after %d attempts", rc.reconnectCount)
		}

		backoff := rc.calculateBackoff(rc.reconnectCount)
		log.Infof("ReconnectingConnection: Reconnection attempt %d, waiting %v...", rc.reconnectCount+1, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		newConn, err := dialOnce(ctx, rc.dialConfig)
		if err == nil {
			rc.currentConn = newConn
			newConn.SetReadDeadline(rc.readDeadline)
			newConn.SetWriteDeadline(rc.writeDeadline)

			log.Infof("ReconnectingConnection: Successfully reconnected on attempt %d", rc.reconnectCount+1)
			rc.reconnectCount = 0
			rc.lastError = nil
			rc.lastFailTime = time.Time{}

			if rc.reconnectConfig.OnReconnect != nil {
				rc.reconnectConfig.OnReconnect()
			}
			return nil
		}

		lastErr = err
		rc.lastError = err
		rc.lastFailTime = time.Now()
		rc.reconnectCount++

		log.Warnf("ReconnectingConnection: Reconnection attempt %d failed: %v", rc.reconnectCount, err)
	}
}

// calculateBackoff calculates the backoff duration using exponential growth with jitter
func (rc *ReconnectingConnection) calculateBackoff(attempt int) time.Duration {
	exponentialBackoff := time.Duration(float64(rc.reconnectConfig.InitialBackoff) *
		math.Pow(rc.reconnectConfig.BackoffMultiplier, float64(attempt)))

	if exponentialBackoff > rc.reconnectConfig.MaxBackoff {
		exponentialBackoff = rc.reconnectConfig.MaxBackoff
	}

	// ±10% jitter so clients that failed together do not redial together
	jitter := time.Duration(float64(exponentialBackoff) * 0.1 * (2*rand.Float64() - 1.0))

	return exponentialBackoff + jitter
}

// GetCurrentConnection returns the underlying connection (for advanced usage)
func (rc *ReconnectingConnection) GetCurrentConnection() *Connection {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentConn
}

// GetReconnectStats returns current reconnection statistics
func (rc *ReconnectingConnection) GetReconnectStats() (attempts int, lastErr error, lastFailTime time.Time) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.reconnectCount, rc.lastError, rc.lastFailTime
}
