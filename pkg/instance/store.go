package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/warrenhq/warren/pkg/log"
)

// Store is the authoritative table of instance records. Writes land in an
// in-memory overlay first (read-your-writes); a background flush loop folds
// the overlay into the durable table on a fixed interval, so a mutation is
// never lost for longer than that window. Deletes persist immediately.
//
// Single-process ownership is assumed; the Store's own mutex is the only
// synchronization.
type Store struct {
	path string

	mu      sync.RWMutex
	table   map[string]Instance // durable image, mirrored on disk
	overlay map[string]Instance // records under active mutation
}

// NewStore opens the durable table at path, creating an empty one if the
// file does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		table:   make(map[string]Instance),
		overlay: make(map[string]Instance),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read instance table: %w", err)
	}
	if err := json.Unmarshal(data, &s.table); err != nil {
		return fmt.Errorf("failed to parse instance table %q: %w", s.path, err)
	}
	return nil
}

// persistLocked writes the durable table atomically (temp file + rename).
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance table: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".instances-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp instance table: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp instance table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp instance table: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace instance table: %w", err)
	}
	return nil
}

// Get returns the record for id, overlay first.
func (s *Store) Get(id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if in, ok := s.overlay[id]; ok {
		return in.clone(), true
	}
	if in, ok := s.table[id]; ok {
		return in.clone(), true
	}
	return Instance{}, false
}

// Has reports whether a record exists for id in either layer.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.overlay[id]; ok {
		return true
	}
	_, ok := s.table[id]
	return ok
}

// Set writes the record into the overlay. Durability follows on the next
// flush.
func (s *Store) Set(id string, in Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay[id] = in.clone()
}

// Delete removes the record from both layers and persists immediately.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overlay, id)
	if _, ok := s.table[id]; !ok {
		return nil
	}
	delete(s.table, id)
	return s.persistLocked()
}

// Values returns a snapshot of all records, durable table overlaid with
// in-flight mutations.
func (s *Store) Values() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string]Instance, len(s.table)+len(s.overlay))
	for id, in := range s.table {
		merged[id] = in
	}
	for id, in := range s.overlay {
		merged[id] = in
	}

	out := make([]Instance, 0, len(merged))
	for _, in := range merged {
		out = append(out, in.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Keys returns the ids of all records, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.table)+len(s.overlay))
	for id := range s.table {
		seen[id] = struct{}{}
	}
	for id := range s.overlay {
		seen[id] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for id := range seen {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// ActiveForOwner returns the most recently created starting/running
// instance owned by ownerID. Per-owner uniqueness is a caller convention;
// the Store only selects the active row.
func (s *Store) ActiveForOwner(ownerID string) (Instance, bool) {
	var best Instance
	var found bool
	for _, in := range s.Values() {
		if in.OwnerID != ownerID || !in.Active() {
			continue
		}
		if !found || in.CreatedAt.After(best.CreatedAt) {
			best = in
			found = true
		}
	}
	return best, found
}

// Flush folds the overlay into the durable table and persists it.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.overlay) == 0 {
		return nil
	}
	for id, in := range s.overlay {
		s.table[id] = in
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.overlay = make(map[string]Instance)
	return nil
}

// RunFlusher flushes on the given interval until ctx is done, with one
// final flush on shutdown.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				log.Warn("final instance table flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Warn("instance table flush failed", "error", err)
			}
		}
	}
}
