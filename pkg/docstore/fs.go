package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forkful/docsync/pkg/docid"
)

const (
	dirPermission  = 0o755
	filePermission = 0o644

	docsDir  = "docs"
	rootFile = "root"
)

// FS stores one blob per document under <dir>/docs/<first two symbols>/<id>
// and the root reference as plain text in <dir>/root.
//
// Writes go to a temporary file in the same directory, are fsynced and then
// renamed over the target, so readers never observe a partial blob.
type FS struct {
	dir string

	// locks serializes writers of the same id.
	locks sync.Map
}

var _ Store = (*FS)(nil)

// OpenFS prepares dir for use, creating it if needed.
func OpenFS(dir string) (*FS, error) {
	if err := os.MkdirAll(filepath.Join(dir, docsDir), dirPermission); err != nil {
		return nil, storageErr("open", docid.Nil, err)
	}
	return &FS{dir: dir}, nil
}

func (s *FS) path(id docid.ID) string {
	name := id.String()
	return filepath.Join(s.dir, docsDir, name[:2], name)
}

func (s *FS) lock(id docid.ID) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *FS) Save(ctx context.Context, id docid.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return storageErr("save", id, err)
	}
	unlock := s.lock(id)
	defer unlock()

	target := s.path(id)
	if err := os.MkdirAll(filepath.Dir(target), dirPermission); err != nil {
		return storageErr("save", id, err)
	}
	return storageErr("save", id, writeAtomic(target, data))
}

func (s *FS) Load(ctx context.Context, id docid.ID) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storageErr("load", id, err)
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("load", id, err)
	}
	return data, true, nil
}

func (s *FS) Exists(ctx context.Context, id docid.ID) (bool, error) {
	_, err := os.Stat(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("exists", id, err)
	}
	return true, nil
}

func (s *FS) List(ctx context.Context) ([]docid.ID, error) {
	var ids []docid.ID
	root := filepath.Join(s.dir, docsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		id, perr := docid.Parse(d.Name())
		if perr != nil {
			// Stray files are not documents.
			return nil
		}
		ids = append(ids, id)
		return ctx.Err()
	})
	if err != nil {
		return nil, storageErr("list", docid.Nil, err)
	}
	sortIDs(ids)
	return ids, nil
}

func (s *FS) SaveRoot(ctx context.Context, id docid.ID) error {
	return storageErr("save root", id, writeAtomic(filepath.Join(s.dir, rootFile), []byte(id.String()+"\n")))
}

func (s *FS) LoadRoot(ctx context.Context) (docid.ID, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, rootFile))
	if errors.Is(err, fs.ErrNotExist) {
		return docid.Nil, false, nil
	}
	if err != nil {
		return docid.Nil, false, storageErr("load root", docid.Nil, err)
	}
	id, err := docid.ParseAny(string(data))
	if err != nil {
		return docid.Nil, false, storageErr("load root", docid.Nil, err)
	}
	return id, true, nil
}

func (s *FS) Close() error {
	return nil
}

func writeAtomic(target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), filePermission); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	if err = syncDir(filepath.Dir(target)); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// syncDir makes a rename inside dir durable.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
