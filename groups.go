package docsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/identity"
)

// GroupRef is an identity's local alias for a group.
type GroupRef = identity.GroupRef

// Groups returns the group references of the current identity.
func (c *Client) Groups() ([]GroupRef, error) {
	r, err := c.current()
	if err != nil {
		return nil, err
	}
	res := r.result()
	if res.Identity == nil {
		return nil, fmt.Errorf("%w: identity %s", ErrAbsent, r.root)
	}
	return append([]GroupRef(nil), res.Identity.Groups...), nil
}

func (c *Client) ready() (*rootRun, *identity.Identity, error) {
	r, err := c.current()
	if err != nil {
		return nil, nil, err
	}
	if st := c.CurrentState(); st != StateReady {
		return nil, nil, fmt.Errorf("%w: state is %v", ErrNotReady, st)
	}
	res := r.result()
	if res.Identity == nil {
		return nil, nil, fmt.Errorf("%w: identity %s", ErrAbsent, r.root)
	}
	return r, res.Identity, nil
}

func newRef() string {
	return strings.ToLower(ulid.Make().String())
}

// CreateGroup creates a group with all of its entity documents, then
// references it from the identity.
func (c *Client) CreateGroup(ctx context.Context, name string) (GroupRef, error) {
	r, _, err := c.ready()
	if err != nil {
		return GroupRef{}, err
	}

	entities := make(map[identity.Kind]docid.ID, len(identity.SharedKinds))
	for _, kind := range identity.SharedKinds {
		id := docid.Generate()
		kind := kind
		err := c.docs.Create(ctx, c.cfg.Owner, id, "create "+string(kind), func(tx *crdt.Tx) error {
			identity.InitEntities(tx, kind)
			return nil
		})
		if err != nil {
			return GroupRef{}, fmt.Errorf("docsync: creating %s document: %w", kind, err)
		}
		entities[kind] = id
	}

	group := docid.Generate()
	err = c.docs.Create(ctx, c.cfg.Owner, group, "create group", func(tx *crdt.Tx) error {
		identity.InitGroup(tx, name, entities)
		return nil
	})
	if err != nil {
		return GroupRef{}, fmt.Errorf("docsync: creating group: %w", err)
	}

	ref := GroupRef{Ref: newRef(), Name: name, Group: group}
	if err := c.appendRef(ctx, r, ref); err != nil {
		return GroupRef{}, err
	}
	c.logger.Info("docsync: group created", "group", group, "name", name)
	return ref, nil
}

// JoinGroup references an existing group from the identity. The group and
// its documents are fetched by the sync session. Joining a group already
// referenced returns the existing reference.
func (c *Client) JoinGroup(ctx context.Context, group docid.ID) (GroupRef, error) {
	r, ident, err := c.ready()
	if err != nil {
		return GroupRef{}, err
	}
	if ref, ok := ident.FindGroup(group); ok {
		return ref, nil
	}

	var name string
	_, err = c.docs.Read(ctx, c.cfg.Owner, group, func(v *crdt.View) error {
		if g, err := identity.DecodeGroup(v); err == nil {
			name = g.Name
		}
		return nil
	})
	if err != nil {
		return GroupRef{}, fmt.Errorf("docsync: reading group %s: %w", group, err)
	}

	ref := GroupRef{Ref: newRef(), Name: name, Group: group}
	if err := c.appendRef(ctx, r, ref); err != nil {
		return GroupRef{}, err
	}
	c.logger.Info("docsync: group joined", "group", group)
	return ref, nil
}

func (c *Client) appendRef(ctx context.Context, r *rootRun, ref GroupRef) error {
	err := c.docs.Change(ctx, c.cfg.Owner, r.root, "reference group", func(tx *crdt.Tx) error {
		identity.AppendGroupRef(tx, ref)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docsync: updating identity: %w", err)
	}
	r.syncer.Notify(r.root)
	c.refresh(ctx, r)
	return nil
}

// LeaveGroup removes every reference to group from the identity. Its
// documents stay in the sync set until the root is set again.
func (c *Client) LeaveGroup(ctx context.Context, group docid.ID) error {
	r, ident, err := c.ready()
	if err != nil {
		return err
	}
	ref, ok := ident.FindGroup(group)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	err = c.docs.Change(ctx, c.cfg.Owner, r.root, "leave group", func(tx *crdt.Tx) error {
		identity.RemoveGroupRef(tx, group)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docsync: updating identity: %w", err)
	}

	c.mu.Lock()
	if c.active == ref.Ref {
		c.active = ""
	}
	c.mu.Unlock()

	r.syncer.Notify(r.root)
	c.refresh(ctx, r)
	return nil
}

// SetActiveGroup selects the group shared roles address. It is a local
// preference and changes no document.
func (c *Client) SetActiveGroup(ref string) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	res := r.result()
	if res.Identity == nil {
		return fmt.Errorf("%w: identity %s", ErrAbsent, r.root)
	}
	if _, ok := res.Identity.FindRef(ref); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, ref)
	}
	c.mu.Lock()
	c.active = ref
	c.mu.Unlock()
	return nil
}

// ActiveGroup returns the group shared roles address.
func (c *Client) ActiveGroup() (GroupRef, bool) {
	r, err := c.current()
	if err != nil {
		return GroupRef{}, false
	}
	res := r.result()
	if res.Identity == nil {
		return GroupRef{}, false
	}
	ref, err := c.activeRef(res.Identity)
	return ref, err == nil
}

// activeRef picks the selected group, or the only group when there is one.
func (c *Client) activeRef(ident *identity.Identity) (GroupRef, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active != "" {
		if ref, ok := ident.FindRef(active); ok {
			return ref, nil
		}
		return GroupRef{}, fmt.Errorf("%w: %s", ErrUnknownGroup, active)
	}
	if len(ident.Groups) == 1 {
		return ident.Groups[0], nil
	}
	return GroupRef{}, ErrNoActiveGroup
}
