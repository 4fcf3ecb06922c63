package docsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forkful/docsync/pkg/cache"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/docstore"
	"github.com/forkful/docsync/pkg/session"
)

type (
	// FormatError reports malformed document id text.
	FormatError = docid.FormatError
	// StorageError reports a failed read or write of document bytes.
	StorageError = docstore.StorageError
	// NetworkError reports a failed connection, handshake or exchange.
	NetworkError = session.NetworkError
)

var (
	ErrFormat  = docid.ErrFormat
	ErrStorage = docstore.ErrStorage
	ErrNetwork = session.ErrNetwork

	// ErrGraph matches every *GraphError.
	ErrGraph = errors.New("document graph unavailable")

	// ErrAbsent is returned by local reads and writes of documents that
	// are not available locally yet.
	ErrAbsent = cache.ErrAbsent

	// ErrExists is returned when creating a document that already has content.
	ErrExists = cache.ErrExists

	// ErrDocumentTimeout is returned by Await when a document does not
	// arrive within the interactive timeout. It is retryable.
	ErrDocumentTimeout = errors.New("timed out waiting for document")

	// ErrRootExists is returned by SetRoot when a different root is
	// already set and WithReplaceRoot was not given.
	ErrRootExists = errors.New("a different root is already set")

	// ErrNoRoot is returned by operations that need a root before one is set.
	ErrNoRoot = errors.New("no root set")

	// ErrNotReady is returned by operations that need the Ready state.
	ErrNotReady = errors.New("client is not ready")

	// ErrNoActiveGroup is returned when a shared role is addressed with no group selected.
	ErrNoActiveGroup = errors.New("no active group")

	// ErrUnknownGroup is returned for group references the identity does not hold.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// GraphError reports that the root identity could not be resolved within
// the pending window. It is terminal until a root is set again.
type GraphError struct {
	Root docid.ID
	// Missing are the documents that never became available.
	Missing []docid.ID
	// Err is the decode failure of a present but malformed identity document.
	Err error
}

func (e *GraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "root %s could not be resolved", e.Root)
	if len(e.Missing) > 0 {
		ids := make([]string, len(e.Missing))
		for i, id := range e.Missing {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, ": missing %s", strings.Join(ids, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func (e *GraphError) Is(target error) bool {
	return target == ErrGraph
}
