// Package docsync keeps a user's documents synchronized across devices.
//
// A device starts from a single root id naming the user's identity
// document. The [Client] resolves, from that root, the graph of documents
// to keep in sync (the identity, its private log, each referenced group
// and the group's shared entity documents), drives a sync session against
// a remote peer and exposes the result through typed roles:
//
//	client, err := docsync.Open(ctx, docsync.Config{Store: store, Dialer: dialer})
//	err = client.SetRoot(ctx, docid.Generate(), docsync.ModeCreate)
//	ref, err := client.CreateGroup(ctx, "Home")
//	err = client.Mutate(ctx, docsync.RoleDishes, func(m *docsync.Mutation) error {
//		m.Put("soup", payload)
//		return nil
//	})
//
// # States
//
// A client is Uninitialized until a root is set. It is Loading while the
// identity document is fetched, PendingSync when that takes longer than
// Config.LoadTimeout, and Ready once the identity is local. A root that
// stays unavailable for Config.PendingTimeout moves the client to Error
// with a [*GraphError]; setting a root again recovers.
//
// Reads and writes never wait for the network. A document that has not
// arrived yet yields [ErrAbsent]; [Client.Await] waits for it with a bound.
//
// # Errors
//
// Errors are classified by [ErrFormat], [ErrStorage], [ErrNetwork] and
// [ErrGraph] for use with errors.Is. Network errors never reach reads or
// writes; they only show up in [Client.SyncStatus].
//
// # Packages
//
// The building blocks live under pkg/: docid (ids), docstore (persistence),
// crdt (the document adapter), identity (layouts and the resolver), wire and
// transport (the protocol), session (the sync state machine), cache (the
// handle pool) and relay (the remote peer).
package docsync
