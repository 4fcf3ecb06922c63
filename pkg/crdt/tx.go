package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

type op func(am *automerge.Doc) error

// Tx stages operations for Doc.Change. The embedded View reads the state
// as it was before the change began; staged writes are not visible to it.
type Tx struct {
	View
	ops []op
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case Map, *Map:
		return automerge.NewMap(), nil
	case List, *List:
		return automerge.NewList(), nil
	case string, []byte, bool, int, int64, uint64, float64:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// Set writes value at p. Supported values are string, []byte, bool,
// integers, float64, and the Map and List placeholders.
func (tx *Tx) Set(p Path, value any) {
	if len(p) == 0 {
		tx.ops = append(tx.ops, func(*automerge.Doc) error {
			return fmt.Errorf("set: empty path")
		})
		return
	}
	tx.ops = append(tx.ops, func(am *automerge.Doc) error {
		v, err := normalize(value)
		if err != nil {
			return err
		}
		if err := am.Path(p...).Set(v); err != nil {
			return fmt.Errorf("set %v: %w", p, err)
		}
		return nil
	})
}

// Append adds values to the end of the list at p.
func (tx *Tx) Append(p Path, values ...any) {
	tx.ops = append(tx.ops, func(am *automerge.Doc) error {
		normalized := make([]any, len(values))
		for i, value := range values {
			v, err := normalize(value)
			if err != nil {
				return err
			}
			normalized[i] = v
		}
		if err := am.Path(p...).List().Append(normalized...); err != nil {
			return fmt.Errorf("append %v: %w", p, err)
		}
		return nil
	})
}

// Delete removes the value at p.
func (tx *Tx) Delete(p Path) {
	tx.ops = append(tx.ops, func(am *automerge.Doc) error {
		if err := am.Path(p...).Delete(); err != nil {
			return fmt.Errorf("delete %v: %w", p, err)
		}
		return nil
	})
}

// Staged reports how many operations are pending.
func (tx *Tx) Staged() int {
	return len(tx.ops)
}
