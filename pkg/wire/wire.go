// Package wire defines the frames exchanged between a sync session and
// its remote peer. Every frame is one binary WebSocket message holding a
// CBOR map.
//
// A session opens with Hello and waits for Accept or Reject. After Accept
// both sides send Sync frames, each carrying one opaque CRDT sync message
// for one document. A peer that has never seen a requested document
// answers a request with Unavailable and pushes the document once it
// appears.
package wire

import (
	"errors"
	"fmt"

	"github.com/forkful/docsync/internal/codec"
	"github.com/forkful/docsync/pkg/docid"
)

// Protocol is the protocol version carried in Hello.
const Protocol = "docsync/1"

// MaxFrameBytes bounds one encoded frame. Decode rejects larger input
// with ErrTooLarge.
const MaxFrameBytes = codec.MaxMessageBytes

var ErrTooLarge = codec.ErrTooLarge

// Type is the frame discriminator.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeAccept
	TypeReject
	TypeSync
	TypeUnavailable
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeAccept:
		return "accept"
	case TypeReject:
		return "reject"
	case TypeSync:
		return "sync"
	case TypeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ErrInvalidFrame is returned by Decode for frames that do not parse or
// lack fields their type requires.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the single wire message shape.
type Frame struct {
	Type Type `cbor:"t"`

	// Hello
	PeerID   string `cbor:"p,omitempty"`
	Protocol string `cbor:"v,omitempty"`
	Token    string `cbor:"k,omitempty"`

	// Reject
	Reason string `cbor:"r,omitempty"`

	// Sync, Unavailable
	Doc     []byte `cbor:"d,omitempty"`
	Message []byte `cbor:"m,omitempty"`
	// Request marks a Sync sent by a peer that holds no content for the
	// document yet. Only requests are answered with Unavailable.
	Request bool `cbor:"q,omitempty"`
}

func Hello(peerID, token string) Frame {
	return Frame{Type: TypeHello, PeerID: peerID, Protocol: Protocol, Token: token}
}

func Accept(peerID string) Frame {
	return Frame{Type: TypeAccept, PeerID: peerID, Protocol: Protocol}
}

func Reject(reason string) Frame {
	return Frame{Type: TypeReject, Reason: reason}
}

func Sync(id docid.ID, msg []byte) Frame {
	return Frame{Type: TypeSync, Doc: id.Bytes(), Message: msg}
}

// Request is a Sync frame from a peer with an empty document.
func Request(id docid.ID, msg []byte) Frame {
	f := Sync(id, msg)
	f.Request = true
	return f
}

func Unavailable(id docid.ID) Frame {
	return Frame{Type: TypeUnavailable, Doc: id.Bytes()}
}

// DocID returns the document a Sync or Unavailable frame refers to.
func (f Frame) DocID() (docid.ID, error) {
	return docid.FromBytes(f.Doc)
}

// Validate checks that f carries the fields its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeHello:
		if f.Protocol == "" || f.PeerID == "" {
			return fmt.Errorf("%w: hello without peer id or protocol", ErrInvalidFrame)
		}
	case TypeAccept, TypeReject:
	case TypeSync:
		if len(f.Message) == 0 {
			return fmt.Errorf("%w: empty sync message", ErrInvalidFrame)
		}
		if _, err := f.DocID(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	case TypeUnavailable:
		if _, err := f.DocID(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidFrame, f.Type)
	}
	return nil
}

// Codec encodes and decodes frames.
type Codec struct {
	m codec.Marshaler
	u codec.Unmarshaler
}

// NewCodec returns a Codec backed by CBOR.
func NewCodec() *Codec {
	c := codec.NewCBOR()
	return &Codec{m: c, u: c}
}

func (c *Codec) Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return c.m.Marshal(f)
}

func (c *Codec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := c.u.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
