package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

// Store holds the currently published snapshot. Reads are a single atomic
// pointer load; reloads are serialized and atomic: a document that fails
// validation never becomes visible and the previous snapshot stays in force.
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]

	reloadMu sync.Mutex
	version  atomic.Int64
}

// Load reads, validates, and publishes the policy file at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromDocument builds a store from an in-memory document. Used by tests and
// by tooling that validates policies without a file on disk.
func FromDocument(doc Document) (*Store, error) {
	s := &Store{}
	if err := s.publish(doc); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the published snapshot. Never nil after a successful Load.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload re-reads the policy file and publishes it if valid. On any error
// the previously published snapshot remains current.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.path == "" {
		return types.NewError(types.ErrPolicyInvalid, "store has no backing file")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return types.WrapError(types.ErrPolicyInvalid, fmt.Sprintf("read policy %s", s.path), err)
	}
	return s.reloadBytes(data)
}

// ReloadBytes validates and publishes a policy document from raw YAML.
func (s *Store) ReloadBytes(data []byte) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reloadBytes(data)
}

func (s *Store) reloadBytes(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		logging.PolicyError("policy parse failed: %v", err)
		return types.WrapError(types.ErrPolicyInvalid, "yaml parse error", err)
	}
	return s.publish(doc)
}

func (s *Store) publish(doc Document) error {
	doc.applyDefaults()
	doc.applyEnvOverrides()

	if err := Validate(&doc); err != nil {
		logging.PolicyError("policy rejected: %v", err)
		return err
	}

	version := s.version.Add(1)
	snap := newSnapshot(doc, version)
	s.current.Store(snap)

	logging.Policy("policy v%d published: %d profiles, %d servers, %d tools",
		version, len(doc.Profiles), len(doc.Servers), len(snap.toolServer))
	return nil
}

// Path returns the backing file path, empty for in-memory stores.
func (s *Store) Path() string { return s.path }
