package wire

import (
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/docsync/pkg/docid"
)

func TestFrames(t *testing.T) {
	c := NewCodec()
	id := docid.Generate()

	frames := []Frame{
		Hello("peer-1", "secret"),
		Accept("relay"),
		Reject("bad token"),
		Sync(id, []byte{1, 2, 3}),
		Request(id, []byte{4}),
		Unavailable(id),
	}
	for i, f := range frames {
		t.Run(fmt.Sprintf("%d-%s", i, f.Type), func(t *testing.T) {
			data, err := c.Encode(f)
			require.NoError(t, err)
			got, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, f, got)

			if f.Type == TypeSync || f.Type == TypeUnavailable {
				doc, err := got.DocID()
				require.NoError(t, err)
				assert.Equal(t, id, doc)
			}
		})
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	c := NewCodec()

	_, err := c.Decode([]byte{0xff})
	require.ErrorIs(t, err, ErrInvalidFrame)

	raw, err := cbor.Marshal(Frame{Type: TypeSync, Doc: []byte{1, 2}, Message: []byte{1}})
	require.NoError(t, err)
	_, err = c.Decode(raw)
	require.ErrorIs(t, err, ErrInvalidFrame)

	raw, err = cbor.Marshal(Frame{Type: 42})
	require.NoError(t, err)
	_, err = c.Decode(raw)
	require.ErrorIs(t, err, ErrInvalidFrame)

	raw, err = cbor.Marshal(map[string]any{"t": 2, "zz": 1})
	require.NoError(t, err)
	_, err = c.Decode(raw)
	require.ErrorIs(t, err, ErrInvalidFrame, "unknown fields are rejected")

	_, err = c.Encode(Hello("", ""))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	c := NewCodec()

	_, err := c.Decode(make([]byte, MaxFrameBytes+1))
	require.ErrorIs(t, err, ErrInvalidFrame)
	require.ErrorIs(t, err, ErrTooLarge)
}
