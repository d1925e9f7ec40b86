// Package protocol defines the messages exchanged between clients and the
// session server. Every message travels inside a 4-byte length frame on
// either transport; server-bound TCP and UDP payloads share the Packet
// shape while server responses are identified by a leading opcode.
package protocol

import "github.com/jakubDoka/tidf/internal/bitwise"

// Reserved opcodes. Values above these are application-defined and relayed
// without interpretation.
const (
	// OpError precedes a string describing why a request was refused.
	OpError uint32 = iota
	// OpPlayerJoin precedes a JoinInfo, both as the handshake response and
	// as the roster notification sent to existing session members.
	OpPlayerJoin
	// OpJoinRequest opens the handshake on a fresh TCP connection.
	OpJoinRequest
	// OpKickRequest asks the server to remove the first target from the
	// session. Only honored when the source is the session owner.
	OpKickRequest
)

// Sentinels carried in JoinRequest fields.
const (
	// NewSession in the Session field requests creation of a new session.
	NewSession = ^uint32(0)
	// AnyThread in the Thread field lets the dispatcher pick the least
	// loaded worker.
	AnyThread = ^uint32(0)
	// NoPlayer in a Packet's Source field marks the sender as unset. The
	// server stamps the real source on TCP packets before relaying them.
	NoPlayer = ^uint32(0)
)

// Password is a 128-bit session password, stored in its little-endian wire
// representation.
type Password [16]byte

// NewPassword derives a Password from a string by copying its first 16
// bytes; shorter strings are zero padded.
func NewPassword(s string) Password {
	var p Password
	copy(p[:], s)
	return p
}

// JoinRequest is the handshake payload following OpJoinRequest.
type JoinRequest struct {
	Password Password
	Session  uint32
	Thread   uint32
}

// MaxJoinRequestSize is the largest legal encoding of a join request frame
// payload (opcode plus fields). Handshake reads refuse anything bigger.
const MaxJoinRequestSize = 4 + 16 + 4 + 4

func (r *JoinRequest) MarshalBitwise(e *bitwise.Encoder) {
	e.PutUint128(r.Password)
	e.PutUint32(r.Session)
	e.PutUint32(r.Thread)
}

func (r *JoinRequest) UnmarshalBitwise(d *bitwise.Decoder) {
	r.Password = d.Uint128()
	r.Session = d.Uint32()
	r.Thread = d.Uint32()
}

// JoinInfo tells an admitted client where it landed: which worker thread,
// which session, its own player id, and the UDP port the worker listens on.
type JoinInfo struct {
	ThreadID uint32
	Session  uint32
	Joined   uint32
	UDPPort  uint16
}

func (i *JoinInfo) MarshalBitwise(e *bitwise.Encoder) {
	e.PutUint32(i.ThreadID)
	e.PutUint32(i.Session)
	e.PutUint32(i.Joined)
	e.PutUint16(i.UDPPort)
}

func (i *JoinInfo) UnmarshalBitwise(d *bitwise.Decoder) {
	i.ThreadID = d.Uint32()
	i.Session = d.Uint32()
	i.Joined = d.Uint32()
	i.UDPPort = d.Uint16()
}

// Packet is the client-to-server relay payload. Session and TCP are present
// for validation only; they are stripped before the packet reaches other
// clients. An empty Targets list means broadcast to everyone but the source.
type Packet struct {
	OpCode  uint32
	Source  uint32
	Session uint32
	TCP     bool
	Targets []uint32
	Data    []byte
}

func (p *Packet) MarshalBitwise(e *bitwise.Encoder) {
	e.PutUint32(p.OpCode)
	e.PutUint32(p.Source)
	e.PutUint32(p.Session)
	e.PutBool(p.TCP)
	bitwise.PutSeq(e, p.Targets, (*bitwise.Encoder).PutUint32)
	e.PutBytes(p.Data)
}

// UnmarshalBitwise decodes into p, reusing the capacity of its Targets and
// Data slices so pooled packets do not reallocate.
func (p *Packet) UnmarshalBitwise(d *bitwise.Decoder) {
	p.OpCode = d.Uint32()
	p.Source = d.Uint32()
	p.Session = d.Uint32()
	p.TCP = d.Bool()
	p.Targets = bitwise.AppendSeq(d, p.Targets[:0], (*bitwise.Decoder).Uint32)
	p.Data = d.AppendBytes(p.Data[:0])
}

// ServerPacket is the relay payload as recipients see it: the validation
// fields are implicit from context once the server has checked them.
type ServerPacket struct {
	OpCode uint32
	Source uint32
	Data   []byte
}

func (p *ServerPacket) MarshalBitwise(e *bitwise.Encoder) {
	e.PutUint32(p.OpCode)
	e.PutUint32(p.Source)
	e.PutBytes(p.Data)
}

func (p *ServerPacket) UnmarshalBitwise(d *bitwise.Decoder) {
	p.OpCode = d.Uint32()
	p.Source = d.Uint32()
	p.Data = d.AppendBytes(p.Data[:0])
}

// EncodeJoinRequest encodes a complete handshake payload into e.
func EncodeJoinRequest(e *bitwise.Encoder, r *JoinRequest) {
	e.PutUint32(OpJoinRequest)
	r.MarshalBitwise(e)
}

// EncodeJoinInfo encodes a complete join response payload into e.
func EncodeJoinInfo(e *bitwise.Encoder, info *JoinInfo) {
	e.PutUint32(OpPlayerJoin)
	info.MarshalBitwise(e)
}

// EncodeError encodes a complete error payload into e.
func EncodeError(e *bitwise.Encoder, message string) {
	e.PutUint32(OpError)
	e.PutString(message)
}
