package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CookieStore persists a flat set of name=value pairs in a cookie file.
// It is deliberately dumber than the sqlite store: it is the second,
// independent copy of the session record, so a wiped sqlite database and a
// surviving cookie file (or vice versa) can be detected as disagreement.
type CookieStore struct {
	path string
	mu   sync.Mutex
}

// NewCookieStore creates a store backed by the given file path.
func NewCookieStore(dataPath string) (*CookieStore, error) {
	dataPath = filepath.Clean(dataPath)
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create cookie store dir: %w", err)
	}
	return &CookieStore{path: filepath.Join(dataPath, "portal_cookies")}, nil
}

// Load returns every stored pair. A missing file is an empty store.
func (s *CookieStore) Load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *CookieStore) loadLocked() (map[string]string, error) {
	out := make(map[string]string)

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	return out, nil
}

// Get returns the value for name.
func (s *CookieStore) Get(name string) (string, bool, error) {
	pairs, err := s.Load()
	if err != nil {
		return "", false, err
	}
	v, ok := pairs[name]
	return v, ok, nil
}

// SetMany merges the given pairs into the file atomically (tmp + rename).
func (s *CookieStore) SetMany(entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs, err := s.loadLocked()
	if err != nil {
		return err
	}
	for name, value := range entries {
		pairs[name] = value
	}
	return s.writeLocked(pairs)
}

// Clear removes the cookie file entirely.
func (s *CookieStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear cookie file: %w", err)
	}
	return nil
}

func (s *CookieStore) writeLocked(pairs map[string]string) error {
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# portal client cookies\n")
	for _, name := range names {
		if strings.ContainsAny(name, "=\n") || strings.Contains(pairs[name], "\n") {
			return fmt.Errorf("invalid cookie name or value for %q", name)
		}
		fmt.Fprintf(&b, "%s=%s\n", name, pairs[name])
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write cookie tmp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	return nil
}
