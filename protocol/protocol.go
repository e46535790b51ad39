// Package protocol implements the binary channel frame spoken by ledger nodes.
//
// A channel connection is a plain byte stream, so one read may carry half a
// frame, exactly one frame, or several frames back to back. Every frame starts
// with its own total length, which lets the receiver accumulate bytes until a
// full frame is available and then cut it off the front of the buffer.
//
// Frame format (big-endian):
//
//	0         4     6                                38        42
//	┌─────────┬─────┬─────────────────────────────────┬─────────┬──────────────┐
//	│ length  │type │            sequence             │ result  │  payload ... │
//	│ uint32  │ u16 │      32 ASCII hex characters    │  int32  │ length - 42  │
//	└─────────┴─────┴─────────────────────────────────┴─────────┴──────────────┘
//
// The length field counts the header as well as the payload.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderSize   = 42 // 4 (length) + 2 (type) + 32 (sequence) + 4 (result)
	SequenceSize = 32

	// MaxFrameSize bounds the declared frame length. Anything larger is
	// treated as a corrupted length field rather than a reason to buffer.
	MaxFrameSize = 16 << 20
)

// Type is the routing code carried in every frame. The codec never looks
// inside the payload; callers route on Type.
type Type uint16

const (
	TypeRPC             Type = 0x12   // JSON-RPC request/response, SDK ↔ node
	TypeHeartbeat       Type = 0x13   // keepalive, SDK ↔ node
	TypeAMOPRequest     Type = 0x30   // on-chain messaging request
	TypeAMOPResponse    Type = 0x31   // on-chain messaging response
	TypeTopicReport     Type = 0x32   // SDK reports subscribed topics
	TypeTopicMulticast  Type = 0x35   // topic multicast
	TypeTxCommitted     Type = 0x1000 // node → SDK, transaction committed callback
	TypeBlockNumberPush Type = 0x1001 // node → SDK, new block height notification
)

func (t Type) String() string {
	switch t {
	case TypeRPC:
		return "rpc"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeAMOPRequest:
		return "amop-request"
	case TypeAMOPResponse:
		return "amop-response"
	case TypeTopicReport:
		return "topic-report"
	case TypeTopicMulticast:
		return "topic-multicast"
	case TypeTxCommitted:
		return "tx-committed"
	case TypeBlockNumberPush:
		return "block-number"
	}
	return fmt.Sprintf("0x%x", uint16(t))
}

// Correlated reports whether packets of this type answer a specific request
// and are therefore matched by sequence instead of queued.
func (t Type) Correlated() bool {
	return t == TypeRPC || t == TypeAMOPResponse
}

// Status is the outcome of a single Decode attempt.
type Status int

const (
	StatusOK           Status = iota // a full frame was decoded
	StatusInsufficient               // more bytes are needed, nothing consumed
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds maximum size")
	ErrBadSequence    = errors.New("protocol: sequence must be empty or 32 hex characters")
)

// Packet is one decoded frame.
type Packet struct {
	Type     Type
	Sequence string // 32 hex characters for RPC types, empty otherwise
	Result   int32  // meaningful only on responses
	Payload  []byte
}

// Encode builds a complete frame (header + payload).
func Encode(typ Type, seq string, payload []byte) ([]byte, error) {
	return EncodePacket(&Packet{Type: typ, Sequence: seq, Payload: payload})
}

// EncodePacket builds a complete frame from p, including its result code.
func EncodePacket(p *Packet) ([]byte, error) {
	if len(p.Sequence) != 0 && len(p.Sequence) != SequenceSize {
		return nil, fmt.Errorf("%w: got %d", ErrBadSequence, len(p.Sequence))
	}
	if !isHex(p.Sequence) {
		return nil, fmt.Errorf("%w: %q is not hex", ErrBadSequence, p.Sequence)
	}
	total := HeaderSize + len(p.Payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], uint16(p.Type))
	// An absent sequence is sent as 32 zero bytes.
	copy(buf[6:38], p.Sequence)
	binary.BigEndian.PutUint32(buf[38:42], uint32(p.Result))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode parses the frame at the front of buf.
//
// It returns StatusInsufficient and consumes nothing while buf is shorter than
// the header or than the declared frame length, so the caller can append more
// bytes and retry. On StatusOK, consumed is the frame length and the caller
// should drop that many bytes before decoding again. A declared length that
// cannot belong to a valid frame yields ErrMalformedFrame; the stream cannot be
// resynchronized after that.
func Decode(buf []byte) (status Status, consumed int, p *Packet, err error) {
	if len(buf) >= 4 {
		total := binary.BigEndian.Uint32(buf[0:4])
		if total < HeaderSize {
			return StatusInsufficient, 0, nil, fmt.Errorf("%w: declared length %d below header size", ErrMalformedFrame, total)
		}
		if total > MaxFrameSize {
			return StatusInsufficient, 0, nil, fmt.Errorf("%w: declared length %d above maximum", ErrMalformedFrame, total)
		}
	}
	if len(buf) < HeaderSize {
		return StatusInsufficient, 0, nil, nil
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if len(buf) < total {
		return StatusInsufficient, 0, nil, nil
	}

	payload := make([]byte, total-HeaderSize)
	copy(payload, buf[HeaderSize:total])
	return StatusOK, total, &Packet{
		Type:     Type(binary.BigEndian.Uint16(buf[4:6])),
		Sequence: string(bytes.TrimRight(buf[6:38], "\x00")),
		Result:   int32(binary.BigEndian.Uint32(buf[38:42])),
		Payload:  payload,
	}, nil
}

// NewSequence returns a fresh 128-bit sequence id as 32 upper-case hex digits.
func NewSequence() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
