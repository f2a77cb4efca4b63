// Package sessionstore persists which deployments each owner has, so the
// fleet can be listed again after a restart.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

var ErrStoreUnavailable = errors.New("deployment store unavailable")

// errCorruptDocument marks a file that was read but could not be parsed.
var errCorruptDocument = errors.New("corrupt document")

// document is the on-disk layout.
type document struct {
	Owners      map[string][]string `json:"owners"`
	LastUpdated time.Time           `json:"last_updated"`
}

// Store is a JSON file holding ownerID -> deployment IDs. All mutations go
// through one mutex so concurrent load-mutate-save cycles cannot lose updates.
type Store struct {
	path     string
	mu       sync.Mutex
	now      func() time.Time
	readFile func(name string) ([]byte, error)
}

func New(path string) *Store {
	return &Store{path: path, now: time.Now, readFile: os.ReadFile}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted map. A missing file is a first run and yields an
// empty map. An unreadable or corrupt file is logged and also yields an empty
// map, together with an error wrapping ErrStoreUnavailable.
func (s *Store) Load(ctx context.Context) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return map[string][]string{}, err
	}

	data, err := s.readFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		log.Print(nil).WithError(err).WithField("path", s.path).Error("Failed to read deployment store, starting empty")
		return map[string][]string{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Print(nil).WithError(err).WithField("path", s.path).Error("Failed to parse deployment store, starting empty")
		return map[string][]string{}, fmt.Errorf("%w: %w: %v", ErrStoreUnavailable, errCorruptDocument, err)
	}
	if doc.Owners == nil {
		doc.Owners = map[string][]string{}
	}
	return doc.Owners, nil
}

// Save overwrites the file with the full map.
func (s *Store) Save(ctx context.Context, owners map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, owners)
}

func (s *Store) save(ctx context.Context, owners map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if owners == nil {
		owners = map[string][]string{}
	}

	data, err := json.MarshalIndent(document{Owners: owners, LastUpdated: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStoreUnavailable, err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Append records deploymentID under ownerID, detaching it from any other owner.
func (s *Store) Append(ctx context.Context, ownerID string, deploymentID string) error {
	return s.mutate(ctx, func(owners map[string][]string) {
		for owner, ids := range owners {
			if owner == ownerID {
				continue
			}
			if i := slices.Index(ids, deploymentID); i >= 0 {
				owners[owner] = slices.Delete(ids, i, i+1)
				if len(owners[owner]) == 0 {
					delete(owners, owner)
				}
			}
		}
		if !slices.Contains(owners[ownerID], deploymentID) {
			owners[ownerID] = append(owners[ownerID], deploymentID)
		}
	})
}

// Remove drops deploymentID from ownerID's list; empty lists are removed.
func (s *Store) Remove(ctx context.Context, ownerID string, deploymentID string) error {
	return s.mutate(ctx, func(owners map[string][]string) {
		ids := owners[ownerID]
		if i := slices.Index(ids, deploymentID); i >= 0 {
			ids = slices.Delete(ids, i, i+1)
		}
		if len(ids) == 0 {
			delete(owners, ownerID)
			return
		}
		owners[ownerID] = ids
	})
}

func (s *Store) mutate(ctx context.Context, fn func(map[string][]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners, err := s.load(ctx)
	if err != nil && !errors.Is(err, errCorruptDocument) {
		return err
	}
	// A corrupt file was already logged by load; the rewrite replaces it.
	fn(owners)
	return s.save(ctx, owners)
}

// writeFileAtomic writes to a temporary sibling, syncs it and renames it over
// path, so readers never observe a partially written document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary store file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary store file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary store file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary store file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming store file into place: %w", err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
