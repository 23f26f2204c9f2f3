package mcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/diabetactic/diabetactic-go"
)

// EntityRef locates a cached reading or appointment.
type EntityRef struct {
	Kind    diabetactic.EntityKind
	LocalID string
}

var refPrefixes = map[diabetactic.EntityKind]string{
	diabetactic.KindReading:     "R",
	diabetactic.KindAppointment: "A",
}

// RefSession hands out short references (R1, R2 for readings, A1, A2 for
// appointments) to entities listed during an MCP session, so an agent can
// refer back to them without copying local IDs. Each kind has its own
// counter.
type RefSession struct {
	mu       sync.Mutex
	refs     map[string]EntityRef
	reverse  map[EntityRef]string
	counters map[diabetactic.EntityKind]int
}

// NewRefSession creates an empty session.
func NewRefSession() *RefSession {
	return &RefSession{
		refs:     make(map[string]EntityRef),
		reverse:  make(map[EntityRef]string),
		counters: make(map[diabetactic.EntityKind]int),
	}
}

// Track returns the reference of an entity, assigning the next one the
// first time the entity is seen.
func (s *RefSession) Track(kind diabetactic.EntityKind, localID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EntityRef{Kind: kind, LocalID: localID}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}

	s.counters[kind]++
	ref := fmt.Sprintf("%s%d", refPrefixes[kind], s.counters[kind])
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve converts a reference to the entity it names. References are
// case-insensitive.
func (s *RefSession) Resolve(ref string) (EntityRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refs[strings.ToUpper(strings.TrimSpace(ref))]
	return e, ok
}

// All returns a copy of the tracked references.
func (s *RefSession) All() map[string]EntityRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]EntityRef, len(s.refs))
	for ref, e := range s.refs {
		out[ref] = e
	}
	return out
}

// Clear forgets every reference and resets the counters.
func (s *RefSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]EntityRef)
	s.reverse = make(map[EntityRef]string)
	s.counters = make(map[diabetactic.EntityKind]int)
}
