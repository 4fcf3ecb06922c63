// Package docid implements document identifiers.
//
// An ID is an opaque 128-bit random value. Its text form appends a
// 4-byte SHA-256 checksum to the payload and encodes the result with a
// lowercase Crockford base32 alphabet, which yields exactly 32 symbols.
// The URI form prefixes the text form with "automerge:".
package docid

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

const (
	// Size is the number of payload bytes in an ID.
	Size = 16

	checksumSize = 4

	// EncodedLen is the length of the checksummed text form.
	EncodedLen = 32

	// URIPrefix is prepended to the checksummed form by URI.
	URIPrefix = "automerge:"

	alphabet = "0123456789abcdefghjkmnpqrstvwxyz"
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// ErrFormat is matched by every FormatError.
var ErrFormat = errors.New("malformed document id")

// FormatError reports why a string could not be decoded into an ID.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed document id %q: %s", e.Input, e.Reason)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// ID identifies a document. The zero value is not a valid generated ID.
type ID [Size]byte

// Nil is the zero ID.
var Nil ID

// Generate returns a fresh random ID.
// Uniqueness is probabilistic and is never checked.
func Generate() ID {
	return ID(uuid.Must(uuid.NewV4()))
}

// FromBytes copies a raw 16-byte payload into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, &FormatError{Input: fmt.Sprintf("%x", b), Reason: fmt.Sprintf("want %d bytes, got %d", Size, len(b))}
	}
	copy(id[:], b)
	return id, nil
}

func checksum(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:checksumSize]
}

// String returns the checksummed text form.
func (id ID) String() string {
	buf := make([]byte, 0, Size+checksumSize)
	buf = append(buf, id[:]...)
	buf = append(buf, checksum(id[:])...)
	return encoding.EncodeToString(buf)
}

// URI returns the checksummed form with the "automerge:" prefix.
func (id ID) URI() string {
	return URIPrefix + id.String()
}

// Bytes returns a copy of the raw payload.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

func (id ID) IsZero() bool {
	return id == Nil
}

// Parse decodes the checksummed text form. Upper-case input is accepted.
func Parse(s string) (ID, error) {
	var id ID

	if len(s) != EncodedLen {
		return id, &FormatError{Input: s, Reason: fmt.Sprintf("want %d characters, got %d", EncodedLen, len(s))}
	}

	lower := strings.ToLower(s)
	// encoding/base32 skips '\r' and '\n', so every symbol is checked up front.
	for i := 0; i < len(lower); i++ {
		if strings.IndexByte(alphabet, lower[i]) < 0 {
			return id, &FormatError{Input: s, Reason: fmt.Sprintf("invalid symbol %q at offset %d", s[i], i)}
		}
	}

	raw, err := encoding.DecodeString(lower)
	if err != nil {
		return id, &FormatError{Input: s, Reason: err.Error()}
	}
	if len(raw) != Size+checksumSize {
		return id, &FormatError{Input: s, Reason: "wrong decoded length"}
	}

	payload, sum := raw[:Size], raw[Size:]
	want := checksum(payload)
	for i := range want {
		if want[i] != sum[i] {
			return id, &FormatError{Input: s, Reason: "checksum mismatch"}
		}
	}

	copy(id[:], payload)
	return id, nil
}

// MustParse is like Parse but panics on error. It is meant for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseURI decodes the URI form.
func ParseURI(s string) (ID, error) {
	if !strings.HasPrefix(s, URIPrefix) {
		return Nil, &FormatError{Input: s, Reason: "missing " + URIPrefix + " prefix"}
	}
	return Parse(strings.TrimPrefix(s, URIPrefix))
}

// ParseAny accepts either the URI form or the bare checksummed form.
func ParseAny(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, URIPrefix) {
		return ParseURI(s)
	}
	return Parse(s)
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseAny(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
