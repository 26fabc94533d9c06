package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/flowport/importer"
)

const defaultMaxImports = 1000

// MemEventStore keeps the journals of the most recent imports in memory.
// When a new import would exceed the cap, the oldest import is evicted.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]importer.Event
	order  []string
	max    int
}

// NewMemEventStore keeps at most maxImports journals, 1000 when
// maxImports <= 0.
func NewMemEventStore(maxImports int) *MemEventStore {
	if maxImports <= 0 {
		maxImports = defaultMaxImports
	}
	return &MemEventStore{
		events: make(map[string][]importer.Event),
		max:    maxImports,
	}
}

func (s *MemEventStore) Append(_ context.Context, event importer.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.ImportID]; !ok {
		s.order = append(s.order, event.ImportID)
		for len(s.order) > s.max {
			delete(s.events, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.events[event.ImportID] = append(s.events[event.ImportID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, importID string, afterSeq uint64, limit int) ([]importer.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []importer.Event
	for _, e := range s.events[importID] {
		if e.Seq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, importID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest uint64
	for _, e := range s.events[importID] {
		latest = max(latest, e.Seq)
	}
	return latest, nil
}

var _ EventStore = (*MemEventStore)(nil)
