package docsync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
	"github.com/forkful/docsync/pkg/identity"
)

// Role names a document by what it holds for the current identity. Shared
// roles address the active group.
type Role int

const (
	RoleLog Role = iota
	RoleDishes
	RoleMealPlans
	RoleShopping
)

func (r Role) Kind() identity.Kind {
	switch r {
	case RoleDishes:
		return identity.KindDishes
	case RoleMealPlans:
		return identity.KindMealPlans
	case RoleShopping:
		return identity.KindShopping
	default:
		return identity.KindLog
	}
}

func (r Role) String() string {
	return string(r.Kind())
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleLog, RoleDishes, RoleMealPlans, RoleShopping} {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleLog, fmt.Errorf("unknown role %q", s)
}

// Entities is a snapshot of one entity document: entity id to the opaque
// bytes stored for it.
type Entities map[string][]byte

// Keys returns the entity ids in order.
func (e Entities) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mutation edits one entity document inside Mutate. Get sees the document
// as it was before the mutation started.
type Mutation struct {
	tx *crdt.Tx
}

func (m *Mutation) Get(key string) ([]byte, bool) {
	return m.tx.Bytes(crdt.P("entities", key))
}

func (m *Mutation) Keys() []string {
	return m.tx.Keys(crdt.P("entities"))
}

func (m *Mutation) Put(key string, value []byte) {
	identity.PutEntity(m.tx, key, value)
}

func (m *Mutation) Delete(key string) {
	identity.DeleteEntity(m.tx, key)
}

// Document returns the id of the document behind role.
func (c *Client) Document(role Role) (docid.ID, error) {
	_, id, err := c.resolveRole(role)
	return id, err
}

func (c *Client) resolveRole(role Role) (*rootRun, docid.ID, error) {
	r, err := c.current()
	if err != nil {
		return nil, docid.Nil, err
	}
	res := r.result()
	if res.Identity == nil {
		return r, docid.Nil, fmt.Errorf("%w: identity %s", ErrAbsent, r.root)
	}
	if role == RoleLog {
		return r, res.Identity.Log, nil
	}

	ref, err := c.activeRef(res.Identity)
	if err != nil {
		return r, docid.Nil, err
	}
	group, ok := res.Groups[ref.Group]
	if !ok {
		return r, docid.Nil, fmt.Errorf("%w: group %s", ErrAbsent, ref.Group)
	}
	id, ok := group.Entities[role.Kind()]
	if !ok {
		return r, docid.Nil, fmt.Errorf("%w: %s document of group %s", ErrAbsent, role, ref.Group)
	}
	return r, id, nil
}

// Read returns the entities of role's document as known locally. It never
// waits for the network: a document that has not arrived yet is ErrAbsent.
func (c *Client) Read(ctx context.Context, role Role) (Entities, error) {
	_, id, err := c.resolveRole(role)
	if err != nil {
		return nil, err
	}
	var out map[string][]byte
	found, err := c.docs.Read(ctx, c.cfg.Owner, id, func(v *crdt.View) error {
		var derr error
		out, derr = identity.DecodeEntities(v, role.Kind())
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("docsync: reading %s: %w", role, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s document %s", ErrAbsent, role, id)
	}
	return Entities(out), nil
}

// Mutate applies fn to role's document as one change, persists it and
// schedules it for sync.
func (c *Client) Mutate(ctx context.Context, role Role, fn func(m *Mutation) error) error {
	r, id, err := c.resolveRole(role)
	if err != nil {
		return err
	}
	err = c.docs.Change(ctx, c.cfg.Owner, id, "mutate "+role.String(), func(tx *crdt.Tx) error {
		return fn(&Mutation{tx: tx})
	})
	if err != nil {
		return fmt.Errorf("docsync: mutating %s: %w", role, err)
	}
	r.syncer.Notify(id)
	return nil
}

// Await blocks until role's document is available locally, or the
// interactive timeout passes (ErrDocumentTimeout).
func (c *Client) Await(ctx context.Context, role Role) error {
	ctx, cancel := c.clock.WithTimeout(ctx, c.cfg.InteractiveTimeout)
	defer cancel()

	events, unsub := c.Subscribe(64)
	defer unsub()

	for {
		r, id, err := c.resolveRole(role)
		switch {
		case err == nil:
			present, err := c.docs.Present(ctx, c.cfg.Owner, id)
			if err != nil && ctx.Err() == nil {
				return err
			}
			if present {
				return nil
			}
			r.syncer.Retry(id)
		case !errors.Is(err, ErrAbsent):
			return err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrDocumentTimeout, role)
			}
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return ErrClosed
			}
		}
	}
}
