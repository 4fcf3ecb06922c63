package crdt

import (
	"github.com/automerge/automerge-go"
)

// Kind classifies the value found at a path.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindBytes
	KindInt
	KindBool
	KindMap
	KindList
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "other"
	}
}

// View is a read-only window on a document. It is only valid inside
// the Read or Change callback that produced it.
type View struct {
	am *automerge.Doc
}

func (v *View) value(p Path) *automerge.Value {
	val, err := v.am.Path(p...).Get()
	if err != nil || val == nil {
		return nil
	}
	return val
}

// Kind reports what is stored at p.
func (v *View) Kind(p Path) Kind {
	val := v.value(p)
	if val == nil {
		return KindAbsent
	}
	switch val.Kind() {
	case automerge.KindVoid:
		return KindAbsent
	case automerge.KindStr:
		return KindString
	case automerge.KindBytes:
		return KindBytes
	case automerge.KindInt64, automerge.KindUint64:
		return KindInt
	case automerge.KindBool:
		return KindBool
	case automerge.KindMap:
		return KindMap
	case automerge.KindList:
		return KindList
	default:
		return KindOther
	}
}

// Has reports whether any value is stored at p.
func (v *View) Has(p Path) bool {
	return v.Kind(p) != KindAbsent
}

// String returns the string at p. ok is false when p holds no string.
func (v *View) String(p Path) (s string, ok bool) {
	val := v.value(p)
	if val == nil || val.Kind() != automerge.KindStr {
		return "", false
	}
	return val.Str(), true
}

// Bytes returns a copy of the byte string at p.
func (v *View) Bytes(p Path) (b []byte, ok bool) {
	val := v.value(p)
	if val == nil || val.Kind() != automerge.KindBytes {
		return nil, false
	}
	return append([]byte(nil), val.Bytes()...), true
}

// Int returns the integer at p.
func (v *View) Int(p Path) (int64, bool) {
	val := v.value(p)
	if val == nil {
		return 0, false
	}
	switch val.Kind() {
	case automerge.KindInt64:
		return val.Int64(), true
	case automerge.KindUint64:
		return int64(val.Uint64()), true
	default:
		return 0, false
	}
}

// Keys returns the keys of the map at p, or nil when p is not a map.
func (v *View) Keys(p Path) []string {
	val := v.value(p)
	if val == nil || val.Kind() != automerge.KindMap {
		return nil
	}
	keys, err := val.Map().Keys()
	if err != nil {
		return nil
	}
	return keys
}

// Len returns the length of the list at p, or of the map at p.
func (v *View) Len(p Path) int {
	val := v.value(p)
	if val == nil {
		return 0
	}
	switch val.Kind() {
	case automerge.KindList:
		return val.List().Len()
	case automerge.KindMap:
		return val.Map().Len()
	default:
		return 0
	}
}
