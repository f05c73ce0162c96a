// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings provides persisted provider configuration for the
// assistant core.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/stockroom-assistant/internal/util"
)

// =============================================================================
// PROVIDER TYPE
// =============================================================================

// Provider identifies which backend answers chat requests.
type Provider string

const (
	// ProviderLocal is a model server on the local network speaking
	// NDJSON-framed chat responses.
	ProviderLocal Provider = "local"

	// ProviderRemote is the hosted API speaking SSE-framed chat responses.
	ProviderRemote Provider = "remote"
)

// Valid reports whether the provider is one of the known providers.
func (p Provider) Valid() bool {
	return p == ProviderLocal || p == ProviderRemote
}

// =============================================================================
// SETTINGS RECORD
// =============================================================================

// Settings is the persisted provider configuration. It is owned by the
// Store: mutate it only through Store.Save so readers never observe a
// partially merged record.
type Settings struct {
	// Provider selects the active backend.
	Provider Provider `toml:"provider" json:"provider"`

	// LocalEndpoint is the base URL of the local model server.
	LocalEndpoint string `toml:"local_endpoint" json:"local_endpoint"`

	// LocalModel is the model identifier used with the local provider.
	LocalModel string `toml:"local_model" json:"local_model"`

	// RemoteModel is the model identifier used with the remote provider.
	RemoteModel string `toml:"remote_model" json:"remote_model"`

	// RemoteCredential is the API credential for the remote provider.
	RemoteCredential string `toml:"remote_credential" json:"remote_credential"`
}

// Default returns a Settings record with sensible default values.
func Default() *Settings {
	return &Settings{
		Provider: ProviderLocal,
		// Explicit IPv4 address instead of localhost to avoid IPv6
		// resolution issues on Windows.
		LocalEndpoint: "http://127.0.0.1:11434",
		LocalModel:    "llama3.1:8b",
		RemoteModel:   "claude-3-5-sonnet-latest",
	}
}

// normalize fills empty fields from defaults and discards invalid values so
// corrupt or legacy persisted data degrades to defaults instead of
// propagating empty strings through the system.
func (s *Settings) normalize() {
	def := Default()
	if !s.Provider.Valid() {
		s.Provider = def.Provider
	}
	if strings.TrimSpace(s.LocalEndpoint) == "" {
		s.LocalEndpoint = def.LocalEndpoint
	}
	s.LocalEndpoint = strings.TrimSuffix(strings.TrimSpace(s.LocalEndpoint), "/")
	if strings.TrimSpace(s.LocalModel) == "" {
		s.LocalModel = def.LocalModel
	}
	if strings.TrimSpace(s.RemoteModel) == "" {
		s.RemoteModel = def.RemoteModel
	}
	s.RemoteCredential = strings.TrimSpace(s.RemoteCredential)
}

// Clone returns a copy of the settings record.
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// =============================================================================
// PARTIAL UPDATES
// =============================================================================

// Partial is a partial settings update. Nil fields are left unchanged by
// Store.Save.
type Partial struct {
	Provider         *Provider
	LocalEndpoint    *string
	LocalModel       *string
	RemoteModel      *string
	RemoteCredential *string
}

// apply merges the partial update onto a settings record.
func (p Partial) apply(s *Settings) {
	if p.Provider != nil {
		s.Provider = *p.Provider
	}
	if p.LocalEndpoint != nil {
		s.LocalEndpoint = *p.LocalEndpoint
	}
	if p.LocalModel != nil {
		s.LocalModel = *p.LocalModel
	}
	if p.RemoteModel != nil {
		s.RemoteModel = *p.RemoteModel
	}
	if p.RemoteCredential != nil {
		s.RemoteCredential = *p.RemoteCredential
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the stockroom configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".stockroom"), nil
}

// DefaultPath returns the well-known path of the settings record.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "assistant.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on the settings file.
// The record carries an API credential, so it must be owner read/write only.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the persisted settings record. Load is tolerant (absence or
// corruption falls back to defaults); Save merges a partial update and
// persists atomically. The Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// NewDefaultStore creates a store backed by the well-known settings path.
func NewDefaultStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStore(path), nil
}

// Path returns the file path backing the store.
func (st *Store) Path() string {
	return st.path
}

// Load reads the persisted settings record. A missing or malformed file is
// treated as "no settings": Load never fails, it returns defaults instead.
func (st *Store) Load() *Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked()
}

func (st *Store) loadLocked() *Settings {
	s := Default()

	data, err := os.ReadFile(st.path)
	if err != nil {
		return s
	}
	if err := ensureSecurePermissions(st.path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not ensure secure permissions on %s: %v\n", st.path, err)
	}

	// TOML first, JSON as a legacy fallback. A record that parses as
	// neither is treated as absent.
	if err := toml.Unmarshal(data, s); err != nil {
		s = Default()
		if err := json.Unmarshal(data, s); err != nil {
			return Default()
		}
	}

	s.normalize()
	return s
}

// Save merges the partial update onto the current persisted record and
// writes the result atomically. Readers never observe a partially merged
// state: the merge happens on a private copy and the file is replaced by
// rename.
func (st *Store) Save(p Partial) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.loadLocked()
	p.apply(s)
	s.normalize()

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := util.AtomicWriteFile(st.path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

// Loader is the read-side interface consumed by the gateway and the health
// monitor. Both read settings fresh on every call so a provider switch takes
// effect on the next send without a restart.
type Loader interface {
	Load() *Settings
}
