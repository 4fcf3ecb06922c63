package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
)

// Role tags why a document belongs to the sync set.
type Role int

const (
	RoleIdentity Role = iota
	RolePrivateLog
	RoleGroup
	RoleSharedEntity
)

func (r Role) String() string {
	switch r {
	case RoleIdentity:
		return "identity"
	case RolePrivateLog:
		return "private-log"
	case RoleGroup:
		return "group"
	case RoleSharedEntity:
		return "shared-entity"
	default:
		return "unknown"
	}
}

// Entry is one member of a SyncSet.
type Entry struct {
	ID   docid.ID
	Role Role
	// Kind is set for RolePrivateLog and RoleSharedEntity.
	Kind Kind
	// Group is the owning group of a RoleSharedEntity.
	Group docid.ID
}

// SyncSet is the flat, role-tagged set of documents to keep in sync.
type SyncSet struct {
	entries map[docid.ID]Entry
}

func newSyncSet() SyncSet {
	return SyncSet{entries: make(map[docid.ID]Entry)}
}

func (s SyncSet) add(e Entry) bool {
	if _, ok := s.entries[e.ID]; ok {
		return false
	}
	s.entries[e.ID] = e
	return true
}

func (s SyncSet) Len() int {
	return len(s.entries)
}

func (s SyncSet) Contains(id docid.ID) bool {
	_, ok := s.entries[id]
	return ok
}

func (s SyncSet) Get(id docid.ID) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// IDs returns the member ids in a stable order.
func (s SyncSet) IDs() []docid.ID {
	ids := make([]docid.ID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Entries returns the members ordered by role, then id.
func (s SyncSet) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s SyncSet) clone() SyncSet {
	c := newSyncSet()
	for id, e := range s.entries {
		c.entries[id] = e
	}
	return c
}

// Source gives the resolver read access to local documents.
// found is false when the document is not available locally.
type Source interface {
	ReadDocument(ctx context.Context, id docid.ID, fn func(v *crdt.View) error) (found bool, err error)
}

// Result is the outcome of one resolution pass.
type Result struct {
	// Set is the accumulated sync set. It never shrinks between passes.
	Set SyncSet
	// Added are the ids that entered the set during this pass.
	Added []docid.ID
	// Missing are referenced documents that are not available locally.
	Missing []docid.ID

	// Identity is nil when the root document is missing or unreadable.
	Identity    *Identity
	IdentityErr error
	Groups      map[docid.ID]Group
	// GroupErrs holds decode failures of locally present group documents.
	GroupErrs map[docid.ID]error
}

// Resolver derives the sync set from a root identity document. Its output
// is monotonic: documents discovered once stay in the set for the life of
// the resolver, even if a later pass cannot see them.
type Resolver struct {
	mu   sync.Mutex
	root docid.ID
	set  SyncSet
}

func NewResolver(root docid.ID) *Resolver {
	return &Resolver{root: root, set: newSyncSet()}
}

func (r *Resolver) Root() docid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Reset starts over for a new root, discarding the accumulated set.
func (r *Resolver) Reset(root docid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	r.set = newSyncSet()
}

// Resolve walks identity, log, groups and shared documents. A storage
// error from src aborts the pass and leaves the accumulated set as is.
func (r *Resolver) Resolve(ctx context.Context, src Source) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{
		Groups:    make(map[docid.ID]Group),
		GroupErrs: make(map[docid.ID]error),
	}
	next := r.set.clone()
	add := func(e Entry) {
		if next.add(e) {
			res.Added = append(res.Added, e.ID)
		}
	}

	add(Entry{ID: r.root, Role: RoleIdentity})

	var ident Identity
	var decodeErr error
	found, err := src.ReadDocument(ctx, r.root, func(v *crdt.View) error {
		ident, decodeErr = DecodeIdentity(v)
		return nil
	})
	if err != nil {
		return res, err
	}
	switch {
	case !found:
		res.Missing = append(res.Missing, r.root)
	case decodeErr != nil:
		res.IdentityErr = decodeErr
	default:
		res.Identity = &ident
		add(Entry{ID: ident.Log, Role: RolePrivateLog, Kind: KindLog})

		if ok, err := exists(ctx, src, ident.Log); err != nil {
			return res, err
		} else if !ok {
			res.Missing = append(res.Missing, ident.Log)
		}

		for _, ref := range ident.Groups {
			add(Entry{ID: ref.Group, Role: RoleGroup})

			var group Group
			var gerr error
			found, err := src.ReadDocument(ctx, ref.Group, func(v *crdt.View) error {
				group, gerr = DecodeGroup(v)
				return nil
			})
			if err != nil {
				return res, err
			}
			if !found {
				// an unfetched group contributes only itself
				res.Missing = append(res.Missing, ref.Group)
				continue
			}
			if gerr != nil {
				res.GroupErrs[ref.Group] = gerr
				continue
			}
			res.Groups[ref.Group] = group
			for _, kind := range SharedKinds {
				id, ok := group.Entities[kind]
				if !ok {
					continue
				}
				add(Entry{ID: id, Role: RoleSharedEntity, Kind: kind, Group: ref.Group})
				if ok, err := exists(ctx, src, id); err != nil {
					return res, err
				} else if !ok {
					res.Missing = append(res.Missing, id)
				}
			}
		}
	}

	r.set = next
	res.Set = next.clone()
	return res, nil
}

func exists(ctx context.Context, src Source, id docid.ID) (bool, error) {
	return src.ReadDocument(ctx, id, func(*crdt.View) error { return nil })
}
