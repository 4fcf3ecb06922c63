// Package crdt adapts automerge documents to the small contract docsync
// needs: open from bytes, apply a local change, read through typed
// accessors, serialize, and exchange sync messages with a peer.
//
// Callers address values with a Path of string map keys and int list
// indexes. The dynamic document form does not leak out of this package.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	// ErrCorrupt is returned by Load for bytes that are not a document.
	ErrCorrupt = errors.New("corrupt document")

	// ErrSyncMessage is returned by ReceiveSyncMessage for an undecodable message.
	ErrSyncMessage = errors.New("invalid sync message")
)

// Path addresses a value inside a document: string keys for maps,
// int indexes for lists.
type Path []any

// P builds a Path.
func P(elems ...any) Path {
	return Path(elems)
}

// Append returns a new path extended by elems.
func (p Path) Append(elems ...any) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}

// Map and List are placeholders for Tx.Set that create an empty
// nested map or list.
type (
	Map  struct{}
	List struct{}
)

// Doc is one replicated document. A Doc is safe for concurrent use.
type Doc struct {
	mu sync.Mutex
	am *automerge.Doc
}

// New returns an empty document.
func New() *Doc {
	return &Doc{am: automerge.New()}
}

// Load decodes a document from the bytes produced by Save.
// A nil or empty slice yields an empty document.
func Load(data []byte) (*Doc, error) {
	if len(data) == 0 {
		return New(), nil
	}
	am, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Doc{am: am}, nil
}

// Save serializes the full document.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// Heads returns the current change hashes in text form.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return headStrings(d.am.Heads())
}

// Empty reports whether the document has no history at all.
func (d *Doc) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.am.Heads()) == 0
}

// Fork returns an independent copy sharing history.
func (d *Doc) Fork() (*Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	am, err := d.am.Fork()
	if err != nil {
		return nil, err
	}
	return &Doc{am: am}, nil
}

// Merge applies every change of other to d.
func (d *Doc) Merge(other *Doc) error {
	if d == other {
		return nil
	}
	raw := other.Save()
	src, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.am.Merge(src)
	return err
}

// Change runs fn against a staged transaction and commits the staged
// operations as one change. Nothing is applied when fn returns an error.
// changed is false when fn staged no operation.
func (d *Doc) Change(message string, fn func(tx *Tx) error) (changed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Tx{View: View{am: d.am}}
	if err := fn(tx); err != nil {
		return false, err
	}
	if len(tx.ops) == 0 {
		return false, nil
	}

	snapshot := d.am.Save()
	for i, op := range tx.ops {
		if err := op(d.am); err != nil {
			restored, lerr := automerge.Load(snapshot)
			if lerr != nil {
				return false, fmt.Errorf("restore after failed op %d: %w", i, errors.Join(err, lerr))
			}
			d.am = restored
			return false, fmt.Errorf("op %d: %w", i, err)
		}
	}
	if _, err := d.am.Commit(message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Read runs fn with a read-only view of the current state.
func (d *Doc) Read(fn func(v *View) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(&View{am: d.am})
}

func headStrings(heads []automerge.ChangeHash) []string {
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}
