// Package docstore persists serialized documents and the root reference.
//
// A Store maps a document id to the opaque bytes produced by the CRDT
// adapter. Absence is reported with found == false and is never an error.
// I/O failures are returned as *StorageError and are safe to retry.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/forkful/docsync/pkg/docid"
)

// ErrStorage is matched by every StorageError.
var ErrStorage = errors.New("storage failure")

// ErrClosed is wrapped by operations on a closed store.
var ErrClosed = errors.New("store closed")

// StorageError wraps an I/O failure of a Store operation.
type StorageError struct {
	Op  string
	ID  docid.ID
	Err error
}

func (e *StorageError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("docstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("docstore %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, id docid.ID, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, ID: id, Err: err}
}

// Store is the persistence contract shared by every backend.
//
// Save must be durable before it returns, and a concurrent Load observes
// either the previous or the new bytes in full.
type Store interface {
	// Save replaces the stored bytes of id.
	Save(ctx context.Context, id docid.ID, data []byte) error

	// Load returns the stored bytes of id. found is false when id was
	// never saved.
	Load(ctx context.Context, id docid.ID) (data []byte, found bool, err error)

	// Exists reports whether id has been saved.
	Exists(ctx context.Context, id docid.ID) (bool, error)

	// List returns the ids of all saved documents. The root slot is not included.
	List(ctx context.Context) ([]docid.ID, error)

	// SaveRoot stores the single root reference.
	SaveRoot(ctx context.Context, id docid.ID) error

	// LoadRoot returns the root reference. found is false when no root was saved.
	LoadRoot(ctx context.Context) (id docid.ID, found bool, err error)

	// Close releases the backend.
	Close() error
}
