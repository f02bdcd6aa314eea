// Package ledger implements the append-only filename logs that record which
// segments are ready for upload and which have been uploaded.
//
// Each log has exactly one writer role. Readers take a point-in-time snapshot
// with Load, so no cross-process locking is needed.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrLedgerIO is returned when a ledger cannot be read or appended to.
var ErrLedgerIO = errors.New("ledger io failed")

// Ledger is a newline-delimited, append-only list of segment file names.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open returns a ledger backed by path. The file is created lazily.
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Load reads every entry. A missing file is created empty and yields an
// empty set.
func (l *Ledger) Load() (Set, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrLedgerIO, l.path, err)
	}
	defer f.Close()

	set := make(Set)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrLedgerIO, l.path, err)
	}
	return set, nil
}

// Append writes one entry and syncs it to disk.
func (l *Ledger) Append(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: invalid entry %q", ErrLedgerIO, name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %w", ErrLedgerIO, l.path, err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrLedgerIO, l.path, err)
	}

	if _, err := f.WriteString(name + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("%w: append to %s: %w", ErrLedgerIO, l.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrLedgerIO, l.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrLedgerIO, l.path, err)
	}
	return nil
}

// Set is a snapshot of ledger entries.
type Set map[string]struct{}

// NewSet builds a set from names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of entries.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the entries in lexical order. Segment names embed their
// timestamp, so lexical order is chronological.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Difference returns the entries of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Intersect returns the entries of s that are also in other.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for n := range s {
		if other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// SubsetOf reports whether every entry of s is in other, returning the first
// offending entries otherwise.
func (s Set) SubsetOf(other Set) (bool, []string) {
	var missing []string
	for _, n := range s.Sorted() {
		if !other.Has(n) {
			missing = append(missing, n)
		}
	}
	return len(missing) == 0, missing
}
