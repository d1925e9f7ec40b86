package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jakubDoka/tidf/internal/bitwise"
	"github.com/jakubDoka/tidf/internal/protocol"
	"github.com/jakubDoka/tidf/internal/store"
)

const (
	joinBacklog     = 64
	datagramBacklog = 1024
	maxDatagramSize = 64 * 1024
)

type joinRequest struct {
	player *Player
	data   protocol.JoinRequest
}

type datagram struct {
	payload []byte
	addr    *net.UDPAddr
}

// worker owns a set of sessions and drives them on a fixed tick. All session
// and player state is confined to the worker goroutine; the only things
// other goroutines touch are the joins channel and the slack gauge.
type worker struct {
	id          uint32
	label       string
	tickRate    int
	idleTimeout time.Duration
	logger      *zap.SugaredLogger
	metrics     *Metrics

	joins chan joinRequest
	slack atomic.Int64

	udp     *net.UDPConn
	udpPort uint16
	dgrams  chan datagram

	sessions store.Pool[*Session]
}

func newWorker(id int, tickRate int, idleTimeout time.Duration, logger *zap.SugaredLogger, metrics *Metrics) *worker {
	return &worker{
		id:          uint32(id),
		label:       strconv.Itoa(id),
		tickRate:    tickRate,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     metrics,
		joins:       make(chan joinRequest, joinBacklog),
		dgrams:      make(chan datagram, datagramBacklog),
	}
}

// bind opens the worker's UDP socket. Port zero is allowed; the actual bound
// port is what join responses advertise.
func (w *worker) bind(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("resolving udp address: %w", err)
	}
	w.udp, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on udp socket: %w", err)
	}
	w.udpPort = uint16(w.udp.LocalAddr().(*net.UDPAddr).Port)
	return nil
}

func (w *worker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer w.udp.Close()
	go w.readDatagrams()

	limiter := newFrameLimiter(w.tickRate)
	enc := bitwise.NewEncoder()
	dec := bitwise.NewDecoder(nil)
	pool := newPacketPool()
	var (
		packets []*protocol.Packet
		kicks   []store.Handle
		reap    []store.Handle
	)

	for {
		select {
		case <-ctx.Done():
			w.teardown()
			return
		default:
		}

		w.admitJoins(enc, &kicks)
		w.drainUDP(dec, enc, pool, &kicks)

		w.sessions.ForEach(func(sid store.Handle, sess *Session) {
			packets = packets[:0]
			sess.players.ForEach(func(pid store.Handle, member *Player) {
				var alive bool
				packets, alive = member.collectPackets(uint32(sid), uint32(pid), pool, packets, dec)
				if !alive {
					kicks = append(kicks, pid)
				}
			})

			for _, pkt := range packets {
				sess.relay(pkt, enc, &kicks, w.udp, w.logger)
				pool.put(pkt)
			}
			if len(packets) > 0 {
				w.metrics.PacketsRelayed.WithLabelValues("tcp").Add(float64(len(packets)))
			}

			w.applyKicks(sess, &kicks)

			if sess.players.Count() == 0 {
				reap = append(reap, sid)
			}
		})

		for _, sid := range reap {
			w.sessions.Remove(sid)
			w.logger.Debugf("worker %d: reaped empty session %d", w.id, sid)
		}
		reap = reap[:0]

		slack := limiter.wait()
		w.slack.Store(slack)
		w.metrics.TickSlack.WithLabelValues(w.label).Set(float64(slack))
		w.metrics.ActiveSessions.WithLabelValues(w.label).Set(float64(w.sessions.Count()))
	}
}

// admitJoins handles every handshake the dispatcher routed here since the
// last tick.
func (w *worker) admitJoins(enc *bitwise.Encoder, kicks *[]store.Handle) {
	for {
		select {
		case req := <-w.joins:
			w.admit(req, enc, kicks)
		default:
			return
		}
	}
}

func (w *worker) admit(req joinRequest, enc *bitwise.Encoder, kicks *[]store.Handle) {
	info := protocol.JoinInfo{ThreadID: w.id, UDPPort: w.udpPort}

	if req.data.Session == protocol.NewSession {
		sess := newSession(req.data.Password, req.player)
		sid := w.sessions.Push(sess)
		info.Session = uint32(sid)
		info.Joined = uint32(sess.owner)

		enc.Reset()
		protocol.EncodeJoinInfo(enc, &info)
		err := req.player.sendTCP(enc.Frame())
		enc.Reset()
		if err != nil {
			w.logger.Debugf("dropping session creator %s: could not deliver join info: %v", req.player.conn.RemoteAddr(), err)
			sess.players.Remove(sess.owner)
			w.sessions.Remove(sid)
			req.player.close()
			return
		}
		req.player.start()
		w.logger.Debugf("worker %d: created session %d for %s", w.id, sid, req.player.conn.RemoteAddr())
		return
	}

	sid := store.Handle(req.data.Session)
	if !w.sessions.IsValid(sid) {
		w.logger.Debugf("refused join from %s: session %d does not exist", req.player.conn.RemoteAddr(), req.data.Session)
		req.player.sendError(enc, "session does not exist")
		req.player.close()
		return
	}
	sess := *w.sessions.Get(sid)
	info.Session = req.data.Session

	joined := sess.accept(req.player, req.data.Password, info, enc, kicks, w.logger)
	w.applyKicks(sess, kicks)
	if joined == store.None {
		req.player.close()
		return
	}
	req.player.start()
	w.logger.Debugf("worker %d: %s joined session %d as player %d", w.id, req.player.conn.RemoteAddr(), sid, joined)
}

// applyKicks removes every queued player still present. Duplicates happen
// when a member both failed a write and was kicked in the same tick, so each
// handle is re-validated before removal.
func (w *worker) applyKicks(sess *Session, kicks *[]store.Handle) {
	for _, h := range *kicks {
		if sess.players.IsValid(h) {
			sess.players.Remove(h).close()
		}
	}
	*kicks = (*kicks)[:0]
}

// readDatagrams pumps the UDP socket into the worker's datagram channel.
// The channel is best-effort; a backlogged worker drops datagrams the way a
// full socket buffer would.
func (w *worker) readDatagrams() {
	for {
		buf := make([]byte, maxDatagramSize)
		n, addr, err := w.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case w.dgrams <- datagram{payload: buf[:n], addr: addr}:
		default:
		}
	}
}

func (w *worker) drainUDP(dec *bitwise.Decoder, enc *bitwise.Encoder, pool *packetPool, kicks *[]store.Handle) {
	for {
		select {
		case dg := <-w.dgrams:
			w.handleDatagram(dg, dec, enc, pool, kicks)
		default:
			return
		}
	}
}

// handleDatagram validates a UDP packet before relaying it. Unlike TCP there
// is no connection to pin identity to, so the declared session and source
// must both check out and the sender's IP has to match the source player's
// TCP peer before the return address is learned.
func (w *worker) handleDatagram(dg datagram, dec *bitwise.Decoder, enc *bitwise.Encoder, pool *packetPool, kicks *[]store.Handle) {
	payload, err := protocol.ParseDatagram(dg.payload)
	if err != nil {
		w.logger.Debugf("dropping datagram from %s: %v", dg.addr, err)
		return
	}

	pkt := pool.get()
	defer pool.put(pkt)
	dec.Reset(payload)
	pkt.UnmarshalBitwise(dec)
	if err := dec.Err(); err != nil {
		w.logger.Debugf("dropping datagram from %s: undecodable packet: %v", dg.addr, err)
		return
	}

	sid := store.Handle(pkt.Session)
	if !w.sessions.IsValid(sid) {
		w.logger.Debugf("dropping datagram from %s: session %d does not exist", dg.addr, pkt.Session)
		return
	}
	sess := *w.sessions.Get(sid)

	sender := sess.member(store.Handle(pkt.Source))
	if sender == nil {
		w.logger.Debugf("dropping datagram from %s: source %d not in session %d", dg.addr, pkt.Source, pkt.Session)
		return
	}
	if !sender.learnUDPAddr(dg.addr) {
		w.logger.Debugf("dropping datagram from %s: ip does not match player %d's tcp peer", dg.addr, pkt.Source)
		sender.sendError(enc, "udp and tcp addresses do not match")
		return
	}

	sess.relay(pkt, enc, kicks, w.udp, w.logger)
	w.metrics.PacketsRelayed.WithLabelValues("udp").Inc()
	w.applyKicks(sess, kicks)
}

func (w *worker) teardown() {
	// connections still waiting for admission hold sockets too
drain:
	for {
		select {
		case req := <-w.joins:
			req.player.close()
		default:
			break drain
		}
	}

	w.sessions.ForEach(func(_ store.Handle, sess *Session) {
		sess.players.ForEach(func(_ store.Handle, p *Player) {
			p.close()
		})
	})
}

// packetPool recycles packet objects across ticks so the relay hot path does
// not allocate per message. Workers are single-goroutine, so no locking.
type packetPool struct {
	free []*protocol.Packet
}

func newPacketPool() *packetPool {
	return &packetPool{}
}

func (pp *packetPool) get() *protocol.Packet {
	if n := len(pp.free); n > 0 {
		pkt := pp.free[n-1]
		pp.free = pp.free[:n-1]
		return pkt
	}
	return &protocol.Packet{}
}

func (pp *packetPool) put(pkt *protocol.Packet) {
	pp.free = append(pp.free, pkt)
}
