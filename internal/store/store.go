// Package store persists uploaded symbol files and saved transmit lists as
// a directory of blobs plus a pointer file naming the most recently loaded
// symbol file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/metrics"
)

const (
	symbolsDir  = "symbols"
	listsDir    = "transmit-lists"
	currentFile = "current"
)

var ErrNotFound = errors.New("store: not found")

// TransmitItem is one row of a saved transmit list. The extended flag round-
// trips exactly; the numeric id never encodes it.
type TransmitItem struct {
	Name     string  `json:"name,omitempty"`
	ID       uint32  `json:"id"`
	Extended bool    `json:"extended"`
	Remote   bool    `json:"remote,omitempty"`
	Data     []byte  `json:"data"`
	PeriodMs float64 `json:"period_ms,omitempty"`
}

// Store is rooted at one data directory.
type Store struct {
	root string
}

// Open ensures the layout exists under root.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, symbolsDir), filepath.Join(root, listsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// SaveSymbols stores a symbol blob under its filename and marks it current.
func (s *Store) SaveSymbols(name string, blob []byte) error {
	name = sanitize(name)
	if name == "" {
		return fmt.Errorf("store: empty symbol file name")
	}
	path := filepath.Join(s.root, symbolsDir, name)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.root, currentFile), []byte(name), 0o644); err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("store: update pointer: %w", err)
	}
	logging.L().Info("symbols_saved", "name", name, "bytes", len(blob))
	return nil
}

// LoadSymbols returns a stored symbol blob.
func (s *Store) LoadSymbols(name string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(s.root, symbolsDir, sanitize(name)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: symbols %q", ErrNotFound, name)
	}
	return blob, err
}

// CurrentSymbols resolves the pointer file to (name, blob). Returns
// ErrNotFound when nothing was ever loaded.
func (s *Store) CurrentSymbols() (string, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if os.IsNotExist(err) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return "", nil, ErrNotFound
	}
	blob, err := s.LoadSymbols(name)
	if err != nil {
		return "", nil, err
	}
	return name, blob, nil
}

// ClearCurrent forgets the pointer without deleting blobs.
func (s *Store) ClearCurrent() error {
	err := os.Remove(filepath.Join(s.root, currentFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListSymbols enumerates stored symbol files, sorted.
func (s *Store) ListSymbols() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(s.root, symbolsDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSymbols removes a stored blob (and the pointer if it named it).
func (s *Store) DeleteSymbols(name string) error {
	name = sanitize(name)
	if err := os.Remove(filepath.Join(s.root, symbolsDir, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: symbols %q", ErrNotFound, name)
		}
		return err
	}
	if cur, _, err := s.CurrentSymbols(); err == nil && cur == name {
		_ = s.ClearCurrent()
	}
	return nil
}

// SaveTransmitList stores a list document keyed by the symbol-file stem.
func (s *Store) SaveTransmitList(key string, items []TransmitItem) error {
	key = stem(sanitize(key))
	if key == "" {
		return fmt.Errorf("store: empty transmit list key")
	}
	raw, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.root, listsDir, key+".json"), raw, 0o644)
}

// LoadTransmitList returns the stored items for a key.
func (s *Store) LoadTransmitList(key string) ([]TransmitItem, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, listsDir, stem(sanitize(key))+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: transmit list %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var items []TransmitItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("store: transmit list %q: %w", key, err)
	}
	return items, nil
}

// ListTransmitLists enumerates saved list keys, sorted.
func (s *Store) ListTransmitLists() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(s.root, listsDir))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// sanitize strips directory components from untrusted names.
func sanitize(name string) string {
	return filepath.Base(strings.TrimSpace(name))
}

// stem drops the file extension ("veh.dbc" -> "veh").
func stem(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
