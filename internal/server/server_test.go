package server

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jakubDoka/tidf/internal/client"
	"github.com/jakubDoka/tidf/internal/protocol"
)

// startTestServer brings up a full server on OS-chosen ports and tears it
// down with the test.
func startTestServer(t *testing.T, idleTimeout time.Duration) *Server {
	t.Helper()

	srv := &Server{
		Hostname:    "localhost",
		BasePort:    0,
		Threads:     2,
		TickRate:    100,
		IdleTimeout: idleTimeout,
		Logger:      nopLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	if err := srv.Start(ctx, wg); err != nil {
		t.Fatal("failed to start server:", err)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return srv
}

func testPort(t *testing.T, srv *Server) int {
	t.Helper()
	return srv.Addr().(*net.TCPAddr).Port
}

func createSession(t *testing.T, srv *Server, password string) *client.Client {
	t.Helper()
	c, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword(password),
		Session:  protocol.NewSession,
		Thread:   protocol.AnyThread,
	})
	if err != nil {
		t.Fatal("failed to create session:", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func joinSession(t *testing.T, srv *Server, password string, info protocol.JoinInfo) *client.Client {
	t.Helper()
	c, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword(password),
		Session:  info.Session,
		Thread:   info.ThreadID,
	})
	if err != nil {
		t.Fatal("failed to join session:", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionLifecycle(t *testing.T) {
	srv := startTestServer(t, 0)

	a := createSession(t, srv, "secret")
	if a.PlayerID() != 0 {
		t.Errorf("session creator got player id %d, want 0", a.PlayerID())
	}

	b := joinSession(t, srv, "secret", a.Info())
	if b.Info().Session != a.Info().Session {
		t.Errorf("joiner landed in session %d, want %d", b.Info().Session, a.Info().Session)
	}

	// the creator hears about the new member
	msg, err := a.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatal("creator did not receive the roster notification:", err)
	}
	if msg.JoinInfo == nil || msg.JoinInfo.Joined != b.PlayerID() {
		t.Fatalf("roster notification = %+v, want join of player %d", msg, b.PlayerID())
	}

	// broadcast from the creator reaches the joiner with a stripped header
	if err := a.Send(42, true, nil, []byte("hello")); err != nil {
		t.Fatal("broadcast failed:", err)
	}
	msg, err = b.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatal("joiner did not receive the broadcast:", err)
	}
	if msg.Packet == nil || msg.Packet.OpCode != 42 || msg.Packet.Source != a.PlayerID() || string(msg.Packet.Data) != "hello" {
		t.Fatalf("received %+v, want opcode 42 from player %d carrying %q", msg, a.PlayerID(), "hello")
	}

	// a kick from a non-owner is refused
	if err := b.Kick(a.PlayerID()); err != nil {
		t.Fatal("kick request failed to send:", err)
	}
	msg, err = b.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatal("non-owner did not receive a response to the kick:", err)
	}
	if msg.Error == "" {
		t.Fatalf("received %+v, want a refusal", msg)
	}
	// the kick request itself is still relayed to its target
	msg, err = a.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatal("owner did not receive the relayed kick request:", err)
	}
	if msg.Packet == nil || msg.Packet.OpCode != protocol.OpKickRequest {
		t.Fatalf("received %+v, want the relayed kick request", msg)
	}

	// the owner's kick goes through and the target's connection dies
	if err := a.Kick(b.PlayerID()); err != nil {
		t.Fatal("kick request failed to send:", err)
	}
	msg, err = b.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatal("kicked player did not receive the eviction notice:", err)
	}
	if msg.Error == "" {
		t.Fatalf("received %+v, want an eviction notice", msg)
	}
	if _, err := b.ReadMessage(2 * time.Second); err == nil {
		t.Error("kicked player's connection should be closed")
	}
}

func TestJoinWrongPassword(t *testing.T) {
	srv := startTestServer(t, 0)
	a := createSession(t, srv, "secret")

	_, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword("not it"),
		Session:  a.Info().Session,
		Thread:   a.Info().ThreadID,
	})
	if err == nil || !strings.Contains(err.Error(), "wrong password") {
		t.Errorf("join with a wrong password returned %v", err)
	}
}

func TestJoinNonexistentSession(t *testing.T) {
	srv := startTestServer(t, 0)

	_, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword("secret"),
		Session:  12345,
		Thread:   0,
	})
	if err == nil || !strings.Contains(err.Error(), "session does not exist") {
		t.Errorf("join of a nonexistent session returned %v", err)
	}
}

func TestJoinNonexistentThread(t *testing.T) {
	srv := startTestServer(t, 0)

	_, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword("secret"),
		Session:  12345,
		Thread:   7,
	})
	if err == nil || !strings.Contains(err.Error(), "thread does not exist") {
		t.Errorf("join of a nonexistent thread returned %v", err)
	}
	if got := testutil.ToFloat64(srv.Metrics.HandshakesFailed); got != 1 {
		t.Errorf("handshakes_failed_total = %v, want 1", got)
	}
}

func TestMalformedHandshake(t *testing.T) {
	srv := startTestServer(t, 0)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal("failed to dial:", err)
	}
	defer conn.Close()

	// a frame that is far too short to be a join request
	if _, err := conn.Write([]byte{2, 0, 0, 0, 0xab, 0xcd}); err != nil {
		t.Fatal("failed to write:", err)
	}

	if msg := readErrorMessage(t, conn); msg == "" {
		t.Error("expected a diagnostic for the malformed handshake")
	}
	if got := testutil.ToFloat64(srv.Metrics.HandshakesFailed); got != 1 {
		t.Errorf("handshakes_failed_total = %v, want 1", got)
	}
}

func TestHandshakeGuardCutsOffRepeatOffenders(t *testing.T) {
	srv := startTestServer(t, 0)

	for i := 0; i < handshakeFailureLimit; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatal("failed to dial:", err)
		}
		_, _ = conn.Write([]byte{1, 0, 0, 0, 0xff})
		// wait out the server's verdict so failures are recorded in order
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = protocol.ReadFrame(conn, maxFrameSize, nil)
		conn.Close()
	}

	// even a well-formed handshake is now dropped without a response
	_, err := client.Dial("localhost", testPort(t, srv), protocol.JoinRequest{
		Password: protocol.NewPassword("secret"),
		Session:  protocol.NewSession,
		Thread:   protocol.AnyThread,
	})
	if err == nil {
		t.Error("guarded address should not complete a handshake")
	}
}

func TestUDPRelay(t *testing.T) {
	srv := startTestServer(t, 0)

	a := createSession(t, srv, "secret")
	b := joinSession(t, srv, "secret", a.Info())
	if _, err := a.ReadMessage(2 * time.Second); err != nil {
		t.Fatal("creator did not receive the roster notification:", err)
	}

	// teach the server both return addresses; the first datagram from each
	// side cannot be delivered to a peer the server has not heard from yet
	if err := b.Send(7, false, nil, []byte("ping")); err != nil {
		t.Fatal("udp send failed:", err)
	}

	var got *client.Message
	for attempt := 0; attempt < 20 && got == nil; attempt++ {
		if err := a.Send(7, false, nil, []byte("pong")); err != nil {
			t.Fatal("udp send failed:", err)
		}
		msg, err := b.ReadUDP(250 * time.Millisecond)
		if err == nil {
			got = msg
		}
	}

	if got == nil {
		t.Fatal("joiner never received the udp broadcast")
	}
	if got.Packet == nil || got.Packet.OpCode != 7 || got.Packet.Source != a.PlayerID() || string(got.Packet.Data) != "pong" {
		t.Fatalf("received %+v, want opcode 7 from player %d carrying %q", got, a.PlayerID(), "pong")
	}
}

// Liveness is a TCP property: datagrams are spoofable up to IP affinity, so
// a client chattering over UDP while staying TCP-silent still idles out.
func TestUDPTrafficDoesNotPreventEviction(t *testing.T) {
	srv := startTestServer(t, 200*time.Millisecond)

	a := createSession(t, srv, "secret")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := a.Send(7, false, nil, []byte("heartbeat")); err != nil {
			return
		}
		if _, err := a.ReadMessage(50 * time.Millisecond); err != nil && !isTimeout(err) {
			// evicted: the tcp socket was closed despite the heartbeats
			return
		}
	}
	t.Error("udp-only traffic kept the connection alive past the idle timeout")
}

func TestIdleConnectionsAreEvicted(t *testing.T) {
	srv := startTestServer(t, 200*time.Millisecond)

	a := createSession(t, srv, "secret")

	if _, err := a.ReadMessage(5 * time.Second); err == nil {
		t.Error("idle connection should have been evicted")
	}
	// eviction closes the socket rather than just going quiet
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.ReadMessage(time.Second); err != nil && !isTimeout(err) {
			return
		}
	}
	t.Error("evicted connection was never closed")
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
