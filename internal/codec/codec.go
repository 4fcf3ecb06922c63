// Package codec defines the encoding interfaces used on the wire and the
// CBOR implementation behind them.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// CBOR implements Marshaler and Unmarshaler with fxamacker/cbor using
// core deterministic encoding, so equal frames encode to equal bytes.
type CBOR struct {
	enc   cbor.EncMode
	dec   cbor.DecMode
	limit int
}

var (
	_ Marshaler   = (*CBOR)(nil)
	_ Unmarshaler = (*CBOR)(nil)
)

// MaxMessageBytes bounds a single message accepted by Unmarshal.
const MaxMessageBytes = 64 << 20

var ErrTooLarge = errors.New("message too large")

func NewCBOR() *CBOR {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels:   16,
		MaxArrayElements:  1024,
		MaxMapPairs:       64,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{enc: enc, dec: dec, limit: MaxMessageBytes}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	if len(data) > c.limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), c.limit)
	}
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}
