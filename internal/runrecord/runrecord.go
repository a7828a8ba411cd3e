// Package runrecord persists the PID of each running service. The records on
// disk, not any in-memory handle, decide whether a service is running.
package runrecord

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/routerctl/internal/atomicfile"
)

var (
	// ErrNotFound means no record exists for the service.
	ErrNotFound = errors.New("run record not found")
	// ErrInvalid means a record exists but does not hold a usable PID.
	ErrInvalid = errors.New("run record invalid")
	// ErrBadName is returned for names that are unsafe to use as file names.
	ErrBadName = errors.New("invalid service name")
)

// Store is the repository of run records, keyed by service name.
type Store interface {
	Read(name string) (int, error)
	Write(name string, pid int) error
	Remove(name string) error
	Names() ([]string, error)
}

// ValidName reports whether s can be used as a record name.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// DirStore keeps one "<name>.pid" file per service in a directory.
type DirStore struct {
	dir string
}

// NewDirStore returns a store rooted at <runtimeDir>/pids.
func NewDirStore(runtimeDir string) *DirStore {
	return &DirStore{dir: filepath.Join(runtimeDir, "pids")}
}

func (s *DirStore) Dir() string { return s.dir }

// Path returns the record file for name.
func (s *DirStore) Path(name string) string {
	return filepath.Join(s.dir, name+".pid")
}

func (s *DirStore) Read(name string) (int, error) {
	if !ValidName(name) {
		return 0, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	b, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return parsePID(string(b))
}

func (s *DirStore) Write(name string, pid int) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrInvalid, pid)
	}
	return atomicfile.WriteFile(s.Path(name), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Remove deletes the record. Removing a missing record is not an error.
func (s *DirStore) Remove(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Names lists services that currently have a record.
func (s *DirStore) Names() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ".pid")
		if !ok || !ValidName(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func parsePID(s string) (int, error) {
	line, _, _ := strings.Cut(s, "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, strings.TrimSpace(line))
	}
	return pid, nil
}

// MemStore is an in-memory Store for tests and embedding.
type MemStore struct {
	mu   sync.Mutex
	pids map[string]int
}

func NewMemStore() *MemStore { return &MemStore{pids: map[string]int{}} }

func (m *MemStore) Read(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.pids[name]
	if !ok {
		return 0, ErrNotFound
	}
	return pid, nil
}

func (m *MemStore) Write(name string, pid int) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	m.mu.Lock()
	m.pids[name] = pid
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Remove(name string) error {
	m.mu.Lock()
	delete(m.pids, name)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Names() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pids))
	for n := range m.pids {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
