// Package client implements the connecting side of the session protocol:
// the join handshake over TCP and packet exchange over either transport.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/jakubDoka/tidf/internal/bitwise"
	"github.com/jakubDoka/tidf/internal/protocol"
)

const maxFrameSize = 1 << 20

// Client is a single connection to a session server. It is not safe for
// concurrent use; callers that need parallel reads and writes should layer
// their own pump goroutines on top.
type Client struct {
	tcp  net.Conn
	udp  *net.UDPConn
	enc  *bitwise.Encoder
	dec  *bitwise.Decoder
	info protocol.JoinInfo
	buf  []byte
}

// Message is one decoded server payload. Exactly one field is set.
type Message struct {
	// JoinInfo announces a session roster change.
	JoinInfo *protocol.JoinInfo
	// Error is the server's diagnostic text.
	Error string
	// Packet is a relayed packet from another player.
	Packet *protocol.ServerPacket
}

// Dial connects to the server, performs the join handshake described by req,
// and opens a UDP socket aimed at the assigned worker. A refused join
// surfaces as an error carrying the server's diagnostic.
func Dial(host string, port int, req protocol.JoinRequest) (*Client, error) {
	tcp, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dialing server: %w", err)
	}
	c := &Client{tcp: tcp, enc: bitwise.NewEncoder(), dec: bitwise.NewDecoder(nil)}

	protocol.EncodeJoinRequest(c.enc, &req)
	_, err = tcp.Write(c.enc.Frame())
	c.enc.Reset()
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("sending join request: %w", err)
	}

	msg, err := c.ReadMessage(3 * time.Second)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("reading join response: %w", err)
	}
	switch {
	case msg.JoinInfo != nil:
		c.info = *msg.JoinInfo
	case msg.Packet != nil:
		_ = tcp.Close()
		return nil, fmt.Errorf("unexpected opcode %d in join response", msg.Packet.OpCode)
	default:
		_ = tcp.Close()
		return nil, fmt.Errorf("join refused: %s", msg.Error)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, c.info.UDPPort))
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("resolving worker udp address: %w", err)
	}
	c.udp, err = net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}
	return c, nil
}

// Info reports the join assignment: worker, session, player handle, and the
// worker's UDP port.
func (c *Client) Info() protocol.JoinInfo {
	return c.info
}

// PlayerID is this client's handle within its session.
func (c *Client) PlayerID() uint32 {
	return c.info.Joined
}

// Send relays data to targets over the chosen transport. A nil or empty
// target list broadcasts to every other session member. UDP sends also teach
// the server this client's return address.
func (c *Client) Send(opCode uint32, tcp bool, targets []uint32, data []byte) error {
	pkt := protocol.Packet{
		OpCode:  opCode,
		Source:  protocol.NoPlayer,
		Session: c.info.Session,
		TCP:     tcp,
		Targets: targets,
		Data:    data,
	}
	if !tcp {
		// udp carries no connection identity, so the source is declared
		// and the server verifies it against this socket's address
		pkt.Source = c.info.Joined
	}

	c.enc.Reset()
	pkt.MarshalBitwise(c.enc)
	frame := c.enc.Frame()
	var err error
	if tcp {
		_, err = c.tcp.Write(frame)
	} else {
		_, err = c.udp.Write(frame)
	}
	c.enc.Reset()
	return err
}

// Kick asks the session owner's worker to remove target. The server refuses
// the request unless this client owns the session.
func (c *Client) Kick(target uint32) error {
	return c.Send(protocol.OpKickRequest, true, []uint32{target}, nil)
}

// ReadMessage reads and decodes the next framed TCP message, waiting at most
// timeout for it to arrive.
func (c *Client) ReadMessage(timeout time.Duration) (*Message, error) {
	if err := c.tcp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	payload, err := protocol.ReadFrame(c.tcp, maxFrameSize, c.buf)
	if err != nil {
		return nil, err
	}
	c.buf = payload
	return c.decode(payload)
}

// ReadUDP reads and decodes the next datagram, waiting at most timeout.
func (c *Client) ReadUDP(timeout time.Duration) (*Message, error) {
	if err := c.udp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, 64*1024)
	n, err := c.udp.Read(buf)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.ParseDatagram(buf[:n])
	if err != nil {
		return nil, err
	}
	return c.decode(payload)
}

func (c *Client) decode(payload []byte) (*Message, error) {
	c.dec.Reset(payload)
	msg := &Message{}
	switch op := c.dec.Uint32(); op {
	case protocol.OpPlayerJoin:
		info := &protocol.JoinInfo{}
		info.UnmarshalBitwise(c.dec)
		msg.JoinInfo = info
	case protocol.OpError:
		msg.Error = c.dec.String()
	default:
		pkt := &protocol.ServerPacket{}
		c.dec.Reset(payload)
		pkt.UnmarshalBitwise(c.dec)
		msg.Packet = pkt
	}
	if err := c.dec.Err(); err != nil {
		return nil, fmt.Errorf("decoding server message: %w", err)
	}
	return msg, nil
}

func (c *Client) Close() error {
	if c.udp != nil {
		_ = c.udp.Close()
	}
	return c.tcp.Close()
}
