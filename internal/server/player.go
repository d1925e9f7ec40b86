package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jakubDoka/tidf/internal/bitwise"
	"github.com/jakubDoka/tidf/internal/protocol"
)

const (
	// joinTimeout bounds how long a fresh connection may take to produce
	// its handshake before the dispatcher gives up on it.
	joinTimeout = time.Second
	// defaultIdleTimeout is how long a joined player may stay silent
	// before its worker evicts the connection.
	defaultIdleTimeout = 10 * time.Minute
	// maxFrameSize caps a single framed message. Anything declaring more
	// is treated as hostile and kills the connection.
	maxFrameSize = 1 << 20
	// frameBacklog is how many undrained frames a connection may buffer
	// between ticks before its reader blocks.
	frameBacklog = 64

	writeTimeout = 5 * time.Second
)

// Player is one connected client. A dedicated goroutine reads framed
// messages off the TCP socket into the frames channel; the owning worker
// drains it once per tick without ever blocking.
type Player struct {
	conn    net.Conn
	ip      net.IP
	udpAddr *net.UDPAddr
	logger  *zap.SugaredLogger

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// lastRead is the unix-nano time of the last TCP read. Only TCP
	// traffic counts toward liveness; UDP datagrams are spoofable up to
	// IP affinity, so they never hold a connection open.
	lastRead    atomic.Int64
	idleTimeout time.Duration
}

func newPlayer(conn net.Conn, idleTimeout time.Duration, logger *zap.SugaredLogger) *Player {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	p := &Player{
		conn:        conn,
		logger:      logger,
		frames:      make(chan []byte, frameBacklog),
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		p.ip = addr.IP
	}
	p.lastRead.Store(time.Now().UnixNano())
	return p
}

// readJoinRequest performs the blocking handshake read. The frame is
// bounded, must carry the join opcode, and must arrive within joinTimeout.
func (p *Player) readJoinRequest(dec *bitwise.Decoder) (protocol.JoinRequest, error) {
	var req protocol.JoinRequest
	if err := p.conn.SetReadDeadline(time.Now().Add(joinTimeout)); err != nil {
		return req, err
	}
	payload, err := protocol.ReadFrame(p.conn, protocol.MaxJoinRequestSize, nil)
	if err != nil {
		return req, fmt.Errorf("reading join frame: %w", err)
	}
	_ = p.conn.SetReadDeadline(time.Time{})

	dec.Reset(payload)
	op := dec.Uint32()
	req.UnmarshalBitwise(dec)
	if err := dec.Err(); err != nil {
		return req, fmt.Errorf("decoding join request: %w", err)
	}
	if op != protocol.OpJoinRequest {
		return req, fmt.Errorf("unexpected opcode %d in join handshake", op)
	}
	return req, nil
}

// start launches the socket reader. Called once the player is admitted to a
// session; until then all reads happen synchronously in the dispatcher.
func (p *Player) start() {
	go p.readLoop()
}

func (p *Player) readLoop() {
	defer close(p.frames)
	for {
		payload, err := protocol.ReadFrame(p.conn, maxFrameSize, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debugf("read from %s failed: %v", p.conn.RemoteAddr(), err)
			}
			return
		}
		p.lastRead.Store(time.Now().UnixNano())
		select {
		case p.frames <- payload:
		case <-p.done:
			return
		}
	}
}

func (p *Player) idle() bool {
	return time.Since(time.Unix(0, p.lastRead.Load())) > p.idleTimeout
}

// collectPackets drains every frame buffered since the last tick, appending
// decoded packets to out. Packets claiming a foreign session or the player's
// own handle as source are dropped; valid ones get the sender's handle
// stamped into Source so downstream code can trust it. Returns alive=false
// when the connection is dead, sent garbage, or idled out.
func (p *Player) collectPackets(sessionID, self uint32, pool *packetPool, out []*protocol.Packet, dec *bitwise.Decoder) (_ []*protocol.Packet, alive bool) {
	for {
		select {
		case payload, ok := <-p.frames:
			if !ok {
				p.logger.Debugf("removing %s: connection closed", p.conn.RemoteAddr())
				return out, false
			}
			dec.Reset(payload)
			pkt := pool.get()
			pkt.UnmarshalBitwise(dec)
			if err := dec.Err(); err != nil {
				pool.put(pkt)
				p.logger.Debugf("removing %s: undecodable packet: %v", p.conn.RemoteAddr(), err)
				return out, false
			}
			if pkt.Session != sessionID || pkt.Source == self {
				p.logger.Debugf("dropping spoofed packet from %s (session %d, source %d)",
					p.conn.RemoteAddr(), pkt.Session, pkt.Source)
				pool.put(pkt)
				continue
			}
			pkt.Source = self
			out = append(out, pkt)
		default:
			if p.idle() {
				p.logger.Debugf("removing %s: idle for over %s", p.conn.RemoteAddr(), p.idleTimeout)
				return out, false
			}
			return out, true
		}
	}
}

// learnUDPAddr records addr as the player's UDP peer, but only when its IP
// matches the TCP peer. The port may differ since NATs rewrite it.
func (p *Player) learnUDPAddr(addr *net.UDPAddr) bool {
	if p.ip == nil || !p.ip.Equal(addr.IP) {
		return false
	}
	p.udpAddr = addr
	return true
}

func (p *Player) sendTCP(frame []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(frame)
	return err
}

// send delivers a frame over the packet's requested transport. UDP sends to
// players with no learned address yet are silently skipped.
func (p *Player) send(frame []byte, viaUDP bool, udp *net.UDPConn) error {
	if viaUDP {
		if p.udpAddr == nil {
			return nil
		}
		_, err := udp.WriteToUDP(frame, p.udpAddr)
		return err
	}
	return p.sendTCP(frame)
}

// sendError best-effort delivers an error payload. The encoder is left reset.
func (p *Player) sendError(enc *bitwise.Encoder, message string) {
	enc.Reset()
	protocol.EncodeError(enc, message)
	_ = p.sendTCP(enc.Frame())
	enc.Reset()
}

func (p *Player) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
