package server

import (
	"net"

	"go.uber.org/zap"

	"github.com/jakubDoka/tidf/internal/bitwise"
	"github.com/jakubDoka/tidf/internal/protocol"
	"github.com/jakubDoka/tidf/internal/store"
)

// Session is a password-gated group of players owned by a single worker.
// The creating player becomes the owner and is the only one allowed to kick.
type Session struct {
	players  store.Pool[*Player]
	password protocol.Password
	owner    store.Handle
}

func newSession(password protocol.Password, creator *Player) *Session {
	s := &Session{password: password}
	s.owner = s.players.Push(creator)
	return s
}

// accept admits candidate when the password matches, then notifies every
// member (the joiner included) with the same join info frame. Members that
// cannot be written to are queued on kicks; a joiner that cannot be written
// to is rolled back. Returns the joiner's handle, or store.None when the
// candidate was refused.
func (s *Session) accept(candidate *Player, password protocol.Password, info protocol.JoinInfo, enc *bitwise.Encoder, kicks *[]store.Handle, logger *zap.SugaredLogger) store.Handle {
	if password != s.password {
		logger.Debugf("refused join from %s: wrong password", candidate.conn.RemoteAddr())
		candidate.sendError(enc, "wrong password")
		return store.None
	}

	joined := s.players.Push(candidate)
	info.Joined = uint32(joined)

	enc.Reset()
	protocol.EncodeJoinInfo(enc, &info)
	frame := enc.Frame()

	joinerFailed := false
	s.players.ForEach(func(h store.Handle, member *Player) {
		if err := member.sendTCP(frame); err != nil {
			if h == joined {
				joinerFailed = true
			} else {
				logger.Debugf("queueing removal of %s: join notify failed: %v", member.conn.RemoteAddr(), err)
				*kicks = append(*kicks, h)
			}
		}
	})
	enc.Reset()

	if joinerFailed {
		logger.Debugf("dropping joiner %s: could not deliver join info", candidate.conn.RemoteAddr())
		s.players.Remove(joined)
		return store.None
	}
	return joined
}

// relay fans a packet out to its targets over the transport it asked for,
// stripping the routing header down to (opcode, source, data). An empty
// target list broadcasts to everyone but the source. Kick requests take
// their side effect before the fan-out.
func (s *Session) relay(pkt *protocol.Packet, enc *bitwise.Encoder, kicks *[]store.Handle, udp *net.UDPConn, logger *zap.SugaredLogger) {
	if pkt.OpCode == protocol.OpKickRequest {
		if len(pkt.Targets) == 0 {
			logger.Debugf("kick request from %d names no target", pkt.Source)
		} else {
			s.kick(store.Handle(pkt.Source), store.Handle(pkt.Targets[0]), enc, logger)
		}
	}

	enc.Reset()
	out := protocol.ServerPacket{OpCode: pkt.OpCode, Source: pkt.Source, Data: pkt.Data}
	out.MarshalBitwise(enc)
	frame := enc.Frame()
	viaUDP := !pkt.TCP

	if len(pkt.Targets) == 0 {
		s.players.ForEach(func(h store.Handle, member *Player) {
			if uint32(h) == pkt.Source {
				return
			}
			if err := member.send(frame, viaUDP, udp); err != nil {
				logger.Debugf("queueing removal of %s: relay failed: %v", member.conn.RemoteAddr(), err)
				*kicks = append(*kicks, h)
			}
		})
	} else {
		for _, target := range pkt.Targets {
			h := store.Handle(target)
			if !s.players.IsValid(h) {
				logger.Debugf("dropping relay to %d: not in session", target)
				continue
			}
			member := *s.players.Get(h)
			if err := member.send(frame, viaUDP, udp); err != nil {
				logger.Debugf("queueing removal of %s: relay failed: %v", member.conn.RemoteAddr(), err)
				*kicks = append(*kicks, h)
			}
		}
	}
	enc.Reset()
}

// kick removes target from the session. Only the owner may kick, and a
// target that already left is ignored rather than treated as an error.
func (s *Session) kick(by, target store.Handle, enc *bitwise.Encoder, logger *zap.SugaredLogger) {
	if by != s.owner {
		logger.Debugf("refused kick from %d: not the session owner", by)
		if s.players.IsValid(by) {
			(*s.players.Get(by)).sendError(enc, "only the session owner can kick")
		}
		return
	}
	if !s.players.IsValid(target) {
		logger.Debugf("kick target %d already left the session", target)
		return
	}
	removed := s.players.Remove(target)
	removed.sendError(enc, "kicked from the session")
	removed.close()
}

// member returns the player at h, or nil when h is stale.
func (s *Session) member(h store.Handle) *Player {
	if !s.players.IsValid(h) {
		return nil
	}
	return *s.players.Get(h)
}
