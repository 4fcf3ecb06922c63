package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/forkful/docsync/pkg/docid"
)

// Memory is an in-process Store. It is used by tests and by relays
// that do not need to survive a restart.
type Memory struct {
	mu     sync.RWMutex
	docs   map[docid.ID][]byte
	root   docid.ID
	closed bool

	failSave error
	failLoad error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[docid.ID][]byte)}
}

// FailSaves makes every following Save fail with err. A nil err restores normal behaviour.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

// FailLoads makes every following Load fail with err.
func (m *Memory) FailLoads(err error) {
	m.mu.Lock()
	m.failLoad = err
	m.mu.Unlock()
}

func (m *Memory) Save(ctx context.Context, id docid.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return storageErr("save", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("save", id, ErrClosed)
	}
	if m.failSave != nil {
		return storageErr("save", id, m.failSave)
	}
	m.docs[id] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Load(ctx context.Context, id docid.ID) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storageErr("load", id, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, storageErr("load", id, ErrClosed)
	}
	if m.failLoad != nil {
		return nil, false, storageErr("load", id, m.failLoad)
	}
	data, ok := m.docs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *Memory) Exists(ctx context.Context, id docid.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[id]
	return ok, nil
}

func (m *Memory) List(ctx context.Context) ([]docid.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]docid.ID, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func (m *Memory) SaveRoot(ctx context.Context, id docid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageErr("save root", id, ErrClosed)
	}
	m.root = id
	return nil
}

func (m *Memory) LoadRoot(ctx context.Context) (docid.ID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root, !m.root.IsZero(), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortIDs(ids []docid.ID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
