// package filekv implements a flat-file-backed key/value store
// satisfying the persistence contract named in §6 ("persist a u8 under
// a key"): read on boot, write-through on mutation, per-key atomicity
// via whole-file rewrite-and-rename. The simplest real backing store
// that meets that contract without inventing a fake database.
package filekv

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is a namespaced key/value store backed by one flat file.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]map[string][]byte
}

// Open loads path if it exists (a missing file is treated as empty) and
// returns a Store ready for Read/Write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]map[string][]byte{}}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("filekv: open %s: %w", path, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("filekv: malformed line %q", line)
		}
		value, err := hex.DecodeString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("filekv: decode %q: %w", line, err)
		}
		ns, ok := s.data[parts[0]]
		if !ok {
			ns = map[string][]byte{}
			s.data[parts[0]] = ns
		}
		ns[parts[1]] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filekv: scan %s: %w", path, err)
	}
	return s, nil
}

// Read returns a copy of the stored value, if present.
func (s *Store) Read(namespace, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

// Write stores value under namespace/key and rewrites the backing file
// before returning, so every write is durable on success.
func (s *Store) Write(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		s.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return s.flushLocked()
}

// flushLocked rewrites the whole file to a temp path and renames it
// over the original, giving per-key atomicity without a WAL.
func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("filekv: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".filekv-*")
	if err != nil {
		return fmt.Errorf("filekv: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, ns := range sortedKeys(s.data) {
		for _, key := range sortedKeys(s.data[ns]) {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", ns, key, hex.EncodeToString(s.data[ns][key])); err != nil {
				tmp.Close()
				return fmt.Errorf("filekv: write: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("filekv: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filekv: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("filekv: rename: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
