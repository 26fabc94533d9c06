// Package idgen provides the globally-unique id generators used when a flow
// is imported. Uniqueness comes from generation, never from reuse.
package idgen

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// Generator produces fresh identifiers.
type Generator interface {
	NewID() string
}

// Func adapts a plain function to Generator.
type Func func() string

// NewID calls f.
func (f Func) NewID() string { return f() }

// Strategy names a built-in generator.
type Strategy string

const (
	StrategyUUID  Strategy = "uuid"
	StrategyULID  Strategy = "ulid"
	StrategyKSUID Strategy = "ksuid"
)

// UUID generates random (v4) UUIDs.
var UUID Generator = Func(uuid.NewString)

// ULID generates lexicographically sortable ULIDs.
var ULID Generator = Func(func() string { return ulid.Make().String() })

// KSUID generates K-sortable unique ids.
var KSUID Generator = Func(func() string { return ksuid.New().String() })

// ForStrategy returns the generator for a configured strategy name.
// An empty name selects UUID.
func ForStrategy(name string) (Generator, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case "", StrategyUUID:
		return UUID, nil
	case StrategyULID:
		return ULID, nil
	case StrategyKSUID:
		return KSUID, nil
	default:
		return nil, fmt.Errorf("unknown id strategy %q (want uuid, ulid or ksuid)", name)
	}
}

// Sequence is a deterministic generator for tests and dry runs. It yields
// prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	prefix string

	mu   sync.Mutex
	next int
}

// NewSequence returns a Sequence starting at 1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix, next: 1}
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%s-%d", s.prefix, s.next)
	s.next++
	return id
}
