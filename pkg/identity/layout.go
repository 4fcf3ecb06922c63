// Package identity defines the layouts of the identity, group and entity
// documents and resolves the graph of documents reachable from a root.
//
// Identity document:
//
//	{"type": "identity", "log": "<id>", "groups": [{"ref": "...", "name": "...", "group": "<id>"}]}
//
// Group document:
//
//	{"type": "group", "name": "...", "dishes": "<id>", "mealplans": "<id>", "shopping": "<id>"}
//
// Entity document:
//
//	{"type": "<kind>", "entities": {"<entity id>": <bytes>}}
//
// A group document without a key for some entity kind has not created
// that document yet; any member holding the group may create it.
package identity

import (
	"errors"
	"fmt"

	"github.com/forkful/docsync/pkg/crdt"
	"github.com/forkful/docsync/pkg/docid"
)

// Kind names an entity document kind.
type Kind string

const (
	KindLog       Kind = "log"
	KindDishes    Kind = "dishes"
	KindMealPlans Kind = "mealplans"
	KindShopping  Kind = "shopping"
)

// SharedKinds are the entity kinds every group carries, in a stable order.
var SharedKinds = []Kind{KindDishes, KindMealPlans, KindShopping}

func (k Kind) Shared() bool {
	for _, s := range SharedKinds {
		if s == k {
			return true
		}
	}
	return false
}

const (
	typeIdentity = "identity"
	typeGroup    = "group"

	keyType     = "type"
	keyLog      = "log"
	keyGroups   = "groups"
	keyName     = "name"
	keyRef      = "ref"
	keyGroup    = "group"
	keyEntities = "entities"
)

var (
	// ErrWrongType is returned when a document's "type" does not match the expected layout.
	ErrWrongType = errors.New("document has unexpected type")

	// ErrMalformed is returned when a required field is missing or unreadable.
	ErrMalformed = errors.New("malformed document")
)

// GroupRef is one entry of an identity's group list.
type GroupRef struct {
	// Ref is a local identifier of the reference itself, stable across
	// renames, used to select the active group.
	Ref   string
	Name  string
	Group docid.ID
}

// Identity is the decoded identity document.
type Identity struct {
	Log    docid.ID
	Groups []GroupRef
}

// FindGroup returns the reference pointing at group.
func (i Identity) FindGroup(group docid.ID) (GroupRef, bool) {
	for _, g := range i.Groups {
		if g.Group == group {
			return g, true
		}
	}
	return GroupRef{}, false
}

// FindRef returns the reference with the given local ref id.
func (i Identity) FindRef(ref string) (GroupRef, bool) {
	for _, g := range i.Groups {
		if g.Ref == ref {
			return g, true
		}
	}
	return GroupRef{}, false
}

// Group is the decoded group document. Entities lacks the kinds not created yet.
type Group struct {
	Name     string
	Entities map[Kind]docid.ID
}

// MissingKinds lists the shared kinds the group has no document for.
func (g Group) MissingKinds() []Kind {
	var out []Kind
	for _, k := range SharedKinds {
		if _, ok := g.Entities[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func checkType(v *crdt.View, want string) error {
	got, ok := v.String(crdt.P(keyType))
	if !ok {
		return fmt.Errorf("%w: no type field", ErrMalformed)
	}
	if got != want {
		return fmt.Errorf("%w: want %q, got %q", ErrWrongType, want, got)
	}
	return nil
}

func readID(v *crdt.View, p crdt.Path) (docid.ID, error) {
	s, ok := v.String(p)
	if !ok {
		return docid.Nil, fmt.Errorf("%w: %v is not a string", ErrMalformed, p)
	}
	id, err := docid.Parse(s)
	if err != nil {
		return docid.Nil, fmt.Errorf("%w: %v: %v", ErrMalformed, p, err)
	}
	return id, nil
}

// DecodeIdentity reads an identity document. Group references with an
// unreadable group id are skipped, and duplicates of the same group keep
// the first occurrence.
func DecodeIdentity(v *crdt.View) (Identity, error) {
	var out Identity
	if err := checkType(v, typeIdentity); err != nil {
		return out, err
	}
	log, err := readID(v, crdt.P(keyLog))
	if err != nil {
		return out, err
	}
	out.Log = log

	seen := make(map[docid.ID]bool)
	n := v.Len(crdt.P(keyGroups))
	for i := 0; i < n; i++ {
		entry := crdt.P(keyGroups, i)
		group, err := readID(v, entry.Append(keyGroup))
		if err != nil || seen[group] {
			continue
		}
		seen[group] = true
		ref, _ := v.String(entry.Append(keyRef))
		name, _ := v.String(entry.Append(keyName))
		out.Groups = append(out.Groups, GroupRef{Ref: ref, Name: name, Group: group})
	}
	return out, nil
}

// DecodeGroup reads a group document.
func DecodeGroup(v *crdt.View) (Group, error) {
	out := Group{Entities: make(map[Kind]docid.ID)}
	if err := checkType(v, typeGroup); err != nil {
		return out, err
	}
	out.Name, _ = v.String(crdt.P(keyName))
	for _, k := range SharedKinds {
		if !v.Has(crdt.P(string(k))) {
			continue
		}
		id, err := readID(v, crdt.P(string(k)))
		if err != nil {
			return out, err
		}
		out.Entities[k] = id
	}
	return out, nil
}

// DecodeEntities reads an entity document of the given kind.
func DecodeEntities(v *crdt.View, kind Kind) (map[string][]byte, error) {
	if err := checkType(v, string(kind)); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, key := range v.Keys(crdt.P(keyEntities)) {
		if b, ok := v.Bytes(crdt.P(keyEntities, key)); ok {
			out[key] = b
		}
	}
	return out, nil
}

// InitIdentity writes a fresh identity document pointing at log.
func InitIdentity(tx *crdt.Tx, log docid.ID) {
	tx.Set(crdt.P(keyType), typeIdentity)
	tx.Set(crdt.P(keyLog), log.String())
	tx.Set(crdt.P(keyGroups), crdt.List{})
}

// InitGroup writes a fresh group document.
func InitGroup(tx *crdt.Tx, name string, entities map[Kind]docid.ID) {
	tx.Set(crdt.P(keyType), typeGroup)
	tx.Set(crdt.P(keyName), name)
	for _, k := range SharedKinds {
		if id, ok := entities[k]; ok {
			tx.Set(crdt.P(string(k)), id.String())
		}
	}
}

// SetGroupEntity records the entity document of kind on a group.
func SetGroupEntity(tx *crdt.Tx, kind Kind, id docid.ID) {
	tx.Set(crdt.P(string(kind)), id.String())
}

// InitEntities writes a fresh, empty entity document of kind.
func InitEntities(tx *crdt.Tx, kind Kind) {
	tx.Set(crdt.P(keyType), string(kind))
	tx.Set(crdt.P(keyEntities), crdt.Map{})
}

// AppendGroupRef adds ref to the identity's group list.
func AppendGroupRef(tx *crdt.Tx, ref GroupRef) {
	idx := tx.Len(crdt.P(keyGroups))
	tx.Append(crdt.P(keyGroups), crdt.Map{})
	entry := crdt.P(keyGroups, idx)
	tx.Set(entry.Append(keyRef), ref.Ref)
	tx.Set(entry.Append(keyName), ref.Name)
	tx.Set(entry.Append(keyGroup), ref.Group.String())
}

// NameGroupRefs sets name on every unnamed reference to group. It reports
// whether one changed.
func NameGroupRefs(tx *crdt.Tx, group docid.ID, name string) bool {
	n := tx.Len(crdt.P(keyGroups))
	named := false
	for i := 0; i < n; i++ {
		s, ok := tx.String(crdt.P(keyGroups, i, keyGroup))
		if !ok || s != group.String() {
			continue
		}
		if cur, _ := tx.String(crdt.P(keyGroups, i, keyName)); cur != "" {
			continue
		}
		tx.Set(crdt.P(keyGroups, i, keyName), name)
		named = true
	}
	return named
}

// RemoveGroupRef deletes every reference to group. It reports whether one was found.
func RemoveGroupRef(tx *crdt.Tx, group docid.ID) bool {
	n := tx.Len(crdt.P(keyGroups))
	removed := false
	// delete from the end so earlier indexes stay valid
	for i := n - 1; i >= 0; i-- {
		s, ok := tx.String(crdt.P(keyGroups, i, keyGroup))
		if ok && s == group.String() {
			tx.Delete(crdt.P(keyGroups, i))
			removed = true
		}
	}
	return removed
}

// PutEntity stores value under key in an entity document.
func PutEntity(tx *crdt.Tx, key string, value []byte) {
	tx.Set(crdt.P(keyEntities, key), value)
}

// DeleteEntity removes key from an entity document.
func DeleteEntity(tx *crdt.Tx, key string) {
	tx.Delete(crdt.P(keyEntities, key))
}
