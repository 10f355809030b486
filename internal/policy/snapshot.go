package policy

import (
	"sort"
	"time"

	"metamcp/internal/types"
)

// Snapshot is one immutable, validated view of the policy. A request captures
// a snapshot at admission and keeps it for its whole lifetime; reloads
// publish a fresh snapshot without disturbing anyone mid-flight.
type Snapshot struct {
	doc        Document
	version    int64
	loadedAt   time.Time
	toolServer map[string]string
}

func newSnapshot(doc Document, version int64) *Snapshot {
	toolServer := make(map[string]string)
	for name, srv := range doc.Servers {
		for _, tool := range srv.Tools {
			toolServer[tool] = name
		}
	}
	return &Snapshot{
		doc:        doc,
		version:    version,
		loadedAt:   time.Now(),
		toolServer: toolServer,
	}
}

// Version is the monotonically increasing publish counter.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt is when this snapshot was published.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Broker returns the global knobs.
func (s *Snapshot) Broker() BrokerConfig { return s.doc.Broker }

// Features returns the feature toggles.
func (s *Snapshot) Features() FeatureConfig { return s.doc.Features }

// Profile looks up a role profile by name.
func (s *Snapshot) Profile(name string) (Profile, bool) {
	p, ok := s.doc.Profiles[name]
	return p, ok
}

// ProfileNames returns all role names, sorted.
func (s *Snapshot) ProfileNames() []string {
	names := make([]string, 0, len(s.doc.Profiles))
	for name := range s.doc.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server looks up a server spec by name.
func (s *Snapshot) Server(name string) (ServerSpec, bool) {
	srv, ok := s.doc.Servers[name]
	return srv, ok
}

// ServerNames returns all server names, sorted.
func (s *Snapshot) ServerNames() []string {
	names := make([]string, 0, len(s.doc.Servers))
	for name := range s.doc.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolServer resolves a tool to the server that hosts it.
func (s *Snapshot) ToolServer(tool string) (string, bool) {
	srv, ok := s.toolServer[tool]
	return srv, ok
}

// DeclaredTools returns every tool any server hosts, sorted.
func (s *Snapshot) DeclaredTools() []string {
	tools := make([]string, 0, len(s.toolServer))
	for tool := range s.toolServer {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

// Rules returns the rewrite rules for a tool, if any.
func (s *Snapshot) Rules(tool string) (ToolRules, bool) {
	r, ok := s.doc.Rules[tool]
	return r, ok
}

// MethodRules returns the rewrite rules for one (tool, method) pair.
func (s *Snapshot) MethodRules(tool, method string) (MethodRules, bool) {
	r, ok := s.doc.Rules[tool]
	if !ok {
		return MethodRules{}, false
	}
	mr, ok := r.Methods[method]
	return mr, ok
}

// SearchClass reports whether a tool is treated as a search tool, either via
// its rules or the features list.
func (s *Snapshot) SearchClass(tool string) bool {
	if r, ok := s.doc.Rules[tool]; ok && r.SearchClass {
		return true
	}
	for _, t := range s.doc.Features.SearchTools {
		if t == tool {
			return true
		}
	}
	return false
}

// GentleMessage returns the user-facing message for an error kind, honoring
// per-deployment overrides from the policy.
func (s *Snapshot) GentleMessage(kind types.ErrKind) string {
	if msg, ok := s.doc.Broker.Messages[string(kind)]; ok && msg != "" {
		return msg
	}
	return types.GentleMessage(kind)
}
