// Package store persists JSON records as one file per key.
//
// Keys have the form "table/id". Each table is a directory under the store
// root and each record a file inside it. Writes go to a temporary file in the
// same directory which is synced and renamed over the target, so readers never
// observe a partially written record. Every operation on a key holds that
// key's lock; different keys never contend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	recordExt = ".json"
	tempExt   = ".tmp"
)

var (
	// ErrInvalidKey is returned for keys outside the "table/id" form.
	ErrInvalidKey = errors.New("invalid store key")

	tablePattern = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Mutation tells Update what to do with the record after fn returns.
type Mutation int

const (
	// Skip leaves the record as it was.
	Skip Mutation = iota
	// Save writes dest back.
	Save
	// Delete removes the record.
	Delete
)

// Store is a directory-backed record store.
type Store struct {
	root   string
	locks  *keyLocks
	logger *slog.Logger
}

// Open prepares root for use and removes temporary files left by a crash.
func Open(root string, logger *slog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &Store{
		root:   root,
		locks:  newKeyLocks(),
		logger: logger.With("component", "store"),
	}
	if err := s.removeTemps(); err != nil {
		return nil, err
	}
	return s, nil
}

// Key joins a table name and record id.
func Key(table, id string) string {
	return table + "/" + id
}

// Read loads key into dest. When the record does not exist dest is left
// untouched, so callers pre-populate it with their default, and found is false.
func (s *Store) Read(ctx context.Context, key string, dest any) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()
	return readFile(path, dest)
}

// Write replaces key with value.
func (s *Store) Write(ctx context.Context, key string, value any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()
	return s.writeFile(path, value)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()
	return removeFile(path)
}

// Update runs a read-modify-write of key while holding its lock. dest is
// filled from disk when the record exists; fn inspects and mutates it and
// decides what happens next. An error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, key string, dest any, fn func(found bool) (Mutation, error)) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()

	found, err := readFile(path, dest)
	if err != nil {
		return err
	}
	mutation, err := fn(found)
	if err != nil {
		return err
	}
	switch mutation {
	case Save:
		return s.writeFile(path, dest)
	case Delete:
		if !found {
			return nil
		}
		return removeFile(path)
	default:
		return nil
	}
}

// Keys lists the record ids stored in table.
func (s *Store) Keys(table string) ([]string, error) {
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: table %q", ErrInvalidKey, table)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, table))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, recordExt))
		if err != nil {
			s.logger.Warn("skipping undecodable record name", "table", table, "name", name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) path(key string) (string, error) {
	table, id, ok := strings.Cut(key, "/")
	if !ok || id == "" || !tablePattern.MatchString(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, table, url.PathEscape(id)+recordExt), nil
}

func (s *Store) writeFile(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create table dir: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+tempExt)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		s.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
	return nil
}

func (s *Store) removeTemps() error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tempExt) {
			return nil
		}
		s.logger.Warn("removing leftover temp file", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove temp file: %w", err)
		}
		return nil
	})
}

func readFile(path string, dest any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
