// Package store persists the server's authoritative state: the access-key
// collection and the append-only audit log. Both live as pretty-printed JSON
// files under the data directory and are rewritten atomically (temp file +
// rename) on every mutation.
//
// The zero value is not usable — create instances with Open.
//
// Store is not goroutine-safe. All access is serialized by the credential
// service's state lock; the store itself holds no locks.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	keysFile  = "access_keys.json"
	auditFile = "audit_log.json"

	dirMode  = 0o700
	fileMode = 0o600
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store holds both collections in memory and mirrors every mutation to disk.
type Store struct {
	dir   string
	log   *zap.Logger
	keys  []*AccessKey
	audit []*AuditEntry

	nextKeyID   int64
	nextAuditID int64

	now func() time.Time
}

// Open loads (or initializes) the collections under dir. The directory is
// created owner-only; existing files get their mode corrected. A file that
// fails to parse is moved aside and replaced with an empty collection.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	// MkdirAll keeps the mode of a pre-existing directory; correct it.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("store: chmod data dir: %w", err)
	}

	s := &Store{
		dir: dir,
		log: logger.Named("store"),
		now: time.Now,
	}

	if err := loadCollection(s.log, s.keyPath(), &s.keys); err != nil {
		return nil, err
	}
	if err := loadCollection(s.log, s.auditPath(), &s.audit); err != nil {
		return nil, err
	}

	for _, k := range s.keys {
		if k.ID >= s.nextKeyID {
			s.nextKeyID = k.ID + 1
		}
	}
	for _, e := range s.audit {
		if e.ID >= s.nextAuditID {
			s.nextAuditID = e.ID + 1
		}
	}
	if s.nextKeyID == 0 {
		s.nextKeyID = 1
	}
	if s.nextAuditID == 0 {
		s.nextAuditID = 1
	}

	s.log.Info("store loaded",
		zap.Int("keys", len(s.keys)),
		zap.Int("audit_entries", len(s.audit)))
	return s, nil
}

func (s *Store) keyPath() string   { return filepath.Join(s.dir, keysFile) }
func (s *Store) auditPath() string { return filepath.Join(s.dir, auditFile) }

// loadCollection reads path into out. Missing files yield the empty
// collection; unparseable files are renamed aside so a later inspection is
// possible, and the collection starts empty.
func loadCollection[T any](log *zap.Logger, path string, out *[]T) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	// The file pre-exists; make sure it is not group/world readable.
	if err := os.Chmod(path, fileMode); err != nil {
		return fmt.Errorf("store: chmod %s: %w", filepath.Base(path), err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if mvErr := os.Rename(path, aside); mvErr != nil {
			return fmt.Errorf("store: quarantine corrupt %s: %w", filepath.Base(path), mvErr)
		}
		log.Warn("corrupt collection file replaced with defaults",
			zap.String("file", filepath.Base(path)),
			zap.String("moved_to", filepath.Base(aside)),
			zap.Error(err))
		*out = nil
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file. The temp
// file is removed if any step fails.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	success = true
	return nil
}

func saveCollection[T any](path string, recs []T) error {
	if recs == nil {
		recs = []T{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// SaveKeys flushes the key collection.
func (s *Store) SaveKeys() error { return saveCollection(s.keyPath(), s.keys) }

// SaveAudit flushes the audit collection.
func (s *Store) SaveAudit() error { return saveCollection(s.auditPath(), s.audit) }

// -----------------------------------------------------------------------------
// Access keys
// -----------------------------------------------------------------------------

// InsertKey assigns the next id, appends the record, and flushes. On a flush
// failure the in-memory append is rolled back so memory never runs ahead of
// disk.
func (s *Store) InsertKey(k *AccessKey) error {
	k.ID = s.nextKeyID
	s.keys = append(s.keys, k)
	if err := s.SaveKeys(); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		return err
	}
	s.nextKeyID++
	return nil
}

// UpdateKey applies patch to the record with the given id and flushes. The
// record is restored from a copy when the flush fails.
func (s *Store) UpdateKey(id int64, patch func(*AccessKey)) error {
	for _, k := range s.keys {
		if k.ID != id {
			continue
		}
		prev := *k
		patch(k)
		if err := s.SaveKeys(); err != nil {
			*k = prev
			return err
		}
		return nil
	}
	return ErrNotFound
}

// DeleteKey removes the record with the given id and flushes.
func (s *Store) DeleteKey(id int64) error {
	for i, k := range s.keys {
		if k.ID != id {
			continue
		}
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
		if err := s.SaveKeys(); err != nil {
			// Rebuild the slice; order is part of the file format.
			s.keys = append(s.keys[:i], append([]*AccessKey{k}, s.keys[i:]...)...)
			return err
		}
		return nil
	}
	return ErrNotFound
}

// FindKeyByID returns the record with the given id, or nil.
func (s *Store) FindKeyByID(id int64) *AccessKey {
	for _, k := range s.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// FindKeyByKey returns the record with the given key string, or nil.
func (s *Store) FindKeyByKey(key string) *AccessKey {
	for _, k := range s.keys {
		if k.Key == key {
			return k
		}
	}
	return nil
}

// FindKeyByTunnelID returns the record with the given tunnel id, or nil.
func (s *Store) FindKeyByTunnelID(tunnelID string) *AccessKey {
	for _, k := range s.keys {
		if k.TunnelID == tunnelID {
			return k
		}
	}
	return nil
}

// FilterKeys returns the records matching pred, in insertion order.
func (s *Store) FilterKeys(pred func(*AccessKey) bool) []*AccessKey {
	var out []*AccessKey
	for _, k := range s.keys {
		if pred(k) {
			out = append(out, k)
		}
	}
	return out
}

// AllKeys returns all records in insertion order.
func (s *Store) AllKeys() []*AccessKey { return s.keys }

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AppendAudit writes one audit entry with the next monotonic id. Audit
// entries are never updated or removed.
func (s *Store) AppendAudit(eventType string, keyID int64, details string) error {
	e := &AuditEntry{
		ID:        s.nextAuditID,
		EventType: eventType,
		KeyID:     keyID,
		Details:   details,
		CreatedAt: s.now().UTC(),
	}
	s.audit = append(s.audit, e)
	if err := s.SaveAudit(); err != nil {
		s.audit = s.audit[:len(s.audit)-1]
		return err
	}
	s.nextAuditID++
	return nil
}

// FilterAudit returns the audit entries matching pred, in id order.
func (s *Store) FilterAudit(pred func(*AuditEntry) bool) []*AuditEntry {
	var out []*AuditEntry
	for _, e := range s.audit {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// AllAudit returns all audit entries in id order.
func (s *Store) AllAudit() []*AuditEntry { return s.audit }
