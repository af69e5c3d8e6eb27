package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PacketType tags every frame exchanged on the terminal WebSocket.
type PacketType int

const (
	PacketHello PacketType = iota
	PacketPing
	PacketData
	PacketResize
	PacketExit
	PacketError
)

func (t PacketType) String() string {
	switch t {
	case PacketHello:
		return "hello"
	case PacketPing:
		return "ping"
	case PacketData:
		return "data"
	case PacketResize:
		return "resize"
	case PacketExit:
		return "exit"
	case PacketError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Error reasons carried in ERROR packets.
const (
	ReasonForbidden = "Forbidden"
	ReasonHijacked  = "Hijacked"
)

// ErrMalformedPacket is returned for frames that cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is a decoded inbound frame. Args is left raw until the handler for
// the packet type knows which shape to expect.
type Packet struct {
	Type PacketType      `json:"type"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

// HelloArgs attaches a client to a session. Seq is the last sequence number
// the client has rendered, -1 for a fresh client.
type HelloArgs struct {
	Token string `json:"token"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
	Seq   int64  `json:"seq"`
}

// InputArgs is the payload of a DATA packet sent by a client.
type InputArgs struct {
	Data string `json:"data"`
}

// OutputArgs is the payload of a DATA packet sent to clients.
type OutputArgs struct {
	Data string `json:"data"`
	Seq  int64  `json:"seq"`
}

type ResizeArgs struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type ErrorArgs struct {
	Reason string `json:"reason"`
}

// DecodePacket parses a text frame. Unknown types and frames without a
// session id are rejected.
func DecodePacket(frame []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(frame, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Type < PacketHello || p.Type > PacketError {
		return Packet{}, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, int(p.Type))
	}
	if p.ID == "" {
		return Packet{}, fmt.Errorf("%w: missing session id", ErrMalformedPacket)
	}
	return p, nil
}

// DecodeArgs unmarshals the packet's args into v. Missing args leave v
// untouched.
func (p Packet) DecodeArgs(v any) error {
	if len(p.Args) == 0 || string(p.Args) == "null" {
		return nil
	}
	if err := json.Unmarshal(p.Args, v); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrMalformedPacket, p.Type, err)
	}
	return nil
}

// Hello decodes HELLO args, defaulting Seq to -1 when the client omits it.
func (p Packet) Hello() (HelloArgs, error) {
	args := HelloArgs{Seq: -1}
	err := p.DecodeArgs(&args)
	return args, err
}

type outboundPacket struct {
	Type PacketType `json:"type"`
	ID   string     `json:"id"`
	Args any        `json:"args,omitempty"`
}

// EncodePacket serialises an outbound frame. A nil args value is omitted.
func EncodePacket(t PacketType, id string, args any) ([]byte, error) {
	return json.Marshal(outboundPacket{Type: t, ID: id, Args: args})
}
