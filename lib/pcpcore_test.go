package lib

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func newTestCore(t *testing.T, mutate func(*PcpCoreConfig)) *PcpCore {
	t.Helper()
	coreConfig := DefaultPcpCoreConfig()
	coreConfig.ConnConfig.CloseTimeout = 5 * time.Second
	if mutate != nil {
		mutate(coreConfig)
	}
	core, err := NewPcpCore("127.0.0.1:0", coreConfig)
	if err != nil {
		t.Fatalf("NewPcpCore: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

// connectPair dials server from client and returns both ends.
func connectPair(t *testing.T, server, client *PcpCore) (*Service, *Connection, *Connection) {
	t.Helper()
	srv, err := server.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := srv.AcceptContext(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
		accepted <- conn
	}()

	clientConn, err := client.Dial(ctx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-accepted
	if serverConn == nil {
		t.FailNow()
	}
	return srv, clientConn, serverConn
}

func TestDialAcceptEcho(t *testing.T) {
	server := newTestCore(t, nil)
	client := newTestCore(t, nil)
	_, clientConn, serverConn := connectPair(t, server, client)

	if clientConn.Conversation() != serverConn.Conversation() {
		t.Fatalf("conversation mismatch: %d vs %d", clientConn.Conversation(), serverConn.Conversation())
	}
	if clientConn.State() != StateEstablished || serverConn.State() != StateEstablished {
		t.Fatalf("states: client %s server %s", clientConn.State(), serverConn.State())
	}

	serverConn.SetDeadline(time.Now().Add(10 * time.Second))
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatalf("client Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(serverConn, buf, 5)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("server Read = %q, %v", buf[:n], err)
	}
	if _, err := serverConn.Write(buf[:n]); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	n, err = io.ReadAtLeast(clientConn, buf, 5)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("client Read = %q, %v", buf[:n], err)
	}

	// a graceful close reaches the peer as EOF
	if err := clientConn.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if _, err := serverConn.Read(buf); err != io.EOF {
		t.Fatalf("server Read after peer close = %v, want io.EOF", err)
	}
	if _, err := clientConn.Write([]byte("late")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after Close = %v, want net.ErrClosed", err)
	}
	if err := clientConn.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("second Close = %v, want net.ErrClosed", err)
	}
}

func TestBulkTransferWithLoss(t *testing.T) {
	server := newTestCore(t, func(c *PcpCoreConfig) { c.PacketLossRate = 0.1 })
	client := newTestCore(t, func(c *PcpCoreConfig) {
		c.PacketLossRate = 0.1
		c.ConnConfig.MTU = 1492
	})
	_, clientConn, serverConn := connectPair(t, server, client)

	data := pattern(128 * 1024)
	deadline := time.Now().Add(60 * time.Second)
	clientConn.SetDeadline(deadline)
	serverConn.SetDeadline(deadline)

	writeErr := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(data)
		writeErr <- err
	}()

	got := make([]byte, len(data))
	if _, err := io.ReadFull(serverConn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received bytes differ from sent bytes")
	}
}

func TestDialTimesOut(t *testing.T) {
	silent := newTestCore(t, nil) // bound but not listening
	client := newTestCore(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := client.Dial(ctx, silent.LocalAddr().String())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial = %v, want context.DeadlineExceeded", err)
	}
	if n := client.NumConnections(); n != 0 {
		t.Errorf("failed dial left %d connections behind", n)
	}
}

func TestReadDeadline(t *testing.T) {
	server := newTestCore(t, nil)
	client := newTestCore(t, nil)
	_, clientConn, _ := connectPair(t, server, client)

	clientConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	start := time.Now()
	_, err := clientConn.Read(make([]byte, 16))

	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Read = %v, want a timeout", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Read error does not match os.ErrDeadlineExceeded")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("Read returned before the deadline")
	}
}

func TestListenTwice(t *testing.T) {
	core := newTestCore(t, nil)
	srv, err := core.Listen()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.Listen(); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Listen = %v, want ErrAlreadyListening", err)
	}

	srv.Close()
	if _, err := srv.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after Close = %v, want net.ErrClosed", err)
	}
	if _, err := core.Listen(); err != nil {
		t.Errorf("Listen after service Close = %v", err)
	}
}

func TestCoreCloseReleasesConnections(t *testing.T) {
	server := newTestCore(t, nil)
	client := newTestCore(t, nil)
	_, clientConn, serverConn := connectPair(t, server, client)

	if err := client.Close(); err != nil {
		t.Fatalf("client core Close: %v", err)
	}
	if n := client.NumConnections(); n != 0 {
		t.Errorf("client core still tracks %d connections", n)
	}
	if _, err := clientConn.Write([]byte("x")); err == nil {
		t.Error("Write on a closed core succeeded")
	}

	serverConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := serverConn.Read(make([]byte, 4)); err != io.EOF {
		t.Errorf("server Read = %v, want io.EOF", err)
	}
	if _, err := client.Dial(context.Background(), server.LocalAddr().String()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Dial on closed core = %v, want net.ErrClosed", err)
	}
}

func TestTraceWritesPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	server := newTestCore(t, nil)
	client := newTestCore(t, func(c *PcpCoreConfig) { c.TraceFile = path })
	_, clientConn, serverConn := connectPair(t, server, client)

	clientConn.Write([]byte("traced"))
	serverConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	io.ReadAtLeast(serverConn, make([]byte, 16), 6)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type = %v", r.LinkType())
	}

	frames := 0
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			t.Fatal("traced frame has no UDP layer")
		}
		var seg Segment
		if err := seg.Unmarshal(udp.Payload); err != nil {
			t.Fatalf("traced frame is not a pcp segment: %v", err)
		}
		if seg.Conv != clientConn.Conversation() {
			t.Errorf("traced conversation %d, want %d", seg.Conv, clientConn.Conversation())
		}
		frames++
	}
	if frames < 3 {
		t.Errorf("trace holds %d frames, want at least the handshake and data", frames)
	}
}

func TestReconnectAfterPeerClose(t *testing.T) {
	server := newTestCore(t, nil)
	client := newTestCore(t, nil)
	srv, err := server.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	reconnects := 0
	reconnectConfig := DefaultReconnectConfig()
	reconnectConfig.InitialBackoff = 10 * time.Millisecond
	reconnectConfig.MaxRetries = 5
	reconnectConfig.OnReconnect = func() { reconnects++ }

	serverDone := make(chan error, 1)
	go func() {
		first, err := srv.AcceptContext(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		first.Close()

		second, err := srv.AcceptContext(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		_, err = second.Write([]byte("welcome back"))
		serverDone <- err
	}()

	rc, err := DialReconnecting(ctx, reconnectConfig, &DialConfig{
		PcpCore:     client,
		RemoteAddr:  server.LocalAddr().String(),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("DialReconnecting: %v", err)
	}
	defer rc.Close()
	first := rc.GetCurrentConnection()

	rc.SetReadDeadline(time.Now().Add(15 * time.Second))
	buf := make([]byte, 32)
	n, err := io.ReadAtLeast(rc, buf, len("welcome back"))
	if err != nil || string(buf[:n]) != "welcome back" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
	if reconnects != 1 || rc.GetCurrentConnection() == first {
		t.Errorf("reconnects = %d", reconnects)
	}
	if first.Conversation() == rc.GetCurrentConnection().Conversation() {
		t.Error("reconnect reused the old conversation number")
	}
}
