package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
)

// Compile-time interface checks.
var (
	_ Backend    = (*Memory)(nil)
	_ Transactor = (*Memory)(nil)
)

// memState holds one set of rows. It is not synchronized.
type memState struct {
	agents         map[string]entity.Agent
	dataStoreNodes map[string]entity.DataStoreNode
	ifNodes        map[string]entity.IfNode
	flows          map[string]flow.Flow
	flowOrder      []string
}

func newMemState() memState {
	return memState{
		agents:         make(map[string]entity.Agent),
		dataStoreNodes: make(map[string]entity.DataStoreNode),
		ifNodes:        make(map[string]entity.IfNode),
		flows:          make(map[string]flow.Flow),
	}
}

func (s *memState) has(kind, id string) bool {
	var ok bool
	switch kind {
	case "agent":
		_, ok = s.agents[id]
	case "data store node":
		_, ok = s.dataStoreNodes[id]
	case "if node":
		_, ok = s.ifNodes[id]
	case "flow":
		_, ok = s.flows[id]
	}
	return ok
}

// Memory is an in-memory Backend. Transactions stage their writes and
// commit them under a single lock.
type Memory struct {
	mu    sync.RWMutex
	state memState
	now   func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{state: newMemState(), now: time.Now}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error) {
	return saveOne(ctx, m, "agent", a.ID, func(s *memState) { s.agents[a.ID] = cloneAgent(a) }, a)
}

func (m *Memory) GetAgent(ctx context.Context, id string) (entity.Agent, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.Agent{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.state.agents[id]
	return cloneAgent(a), ok, nil
}

func (m *Memory) SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error) {
	return saveOne(ctx, m, "data store node", n.ID, func(s *memState) {
		s.dataStoreNodes[n.ID] = n.WithID(n.ID, n.FlowID)
	}, n)
}

func (m *Memory) GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.DataStoreNode{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.state.dataStoreNodes[id]
	return n.WithID(n.ID, n.FlowID), ok, nil
}

func (m *Memory) SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error) {
	return saveOne(ctx, m, "if node", n.ID, func(s *memState) {
		s.ifNodes[n.ID] = n.WithID(n.ID, n.FlowID)
	}, n)
}

func (m *Memory) GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error) {
	if err := ctx.Err(); err != nil {
		return entity.IfNode{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.state.ifNodes[id]
	return n.WithID(n.ID, n.FlowID), ok, nil
}

func (m *Memory) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	f = stampFlow(f, m.now())
	return saveOne(ctx, m, "flow", f.ID, func(s *memState) {
		s.flows[f.ID] = f.Clone()
		s.flowOrder = append(s.flowOrder, f.ID)
	}, f)
}

func (m *Memory) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	if err := ctx.Err(); err != nil {
		return flow.Flow{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.state.flows[id]
	if !ok {
		return flow.Flow{}, false, nil
	}
	return f.Clone(), true, nil
}

// ListFlows returns all flows in insertion order.
func (m *Memory) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]flow.Flow, 0, len(m.state.flowOrder))
	for _, id := range m.state.flowOrder {
		out = append(out, m.state.flows[id].Clone())
	}
	return out, nil
}

// RunInTx stages every write made through the supplied stores and applies
// them atomically when fn returns nil. Reads inside fn see staged rows.
func (m *Memory) RunInTx(ctx context.Context, fn func(Stores) error) error {
	tx := &memTx{parent: m, staged: newMemState()}
	if err := fn(Stores{Agents: tx, DataStoreNodes: tx, IfNodes: tx, Flows: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range tx.staged.agents {
		if m.state.has("agent", id) {
			return fmt.Errorf("commit agent %s: %w", id, ErrExists)
		}
	}
	for id := range tx.staged.dataStoreNodes {
		if m.state.has("data store node", id) {
			return fmt.Errorf("commit data store node %s: %w", id, ErrExists)
		}
	}
	for id := range tx.staged.ifNodes {
		if m.state.has("if node", id) {
			return fmt.Errorf("commit if node %s: %w", id, ErrExists)
		}
	}
	for _, id := range tx.staged.flowOrder {
		if m.state.has("flow", id) {
			return fmt.Errorf("commit flow %s: %w", id, ErrExists)
		}
	}

	for id, a := range tx.staged.agents {
		m.state.agents[id] = a
	}
	for id, n := range tx.staged.dataStoreNodes {
		m.state.dataStoreNodes[id] = n
	}
	for id, n := range tx.staged.ifNodes {
		m.state.ifNodes[id] = n
	}
	for _, id := range tx.staged.flowOrder {
		m.state.flows[id] = tx.staged.flows[id]
		m.state.flowOrder = append(m.state.flowOrder, id)
	}
	return nil
}

func saveOne[T any](ctx context.Context, m *Memory, kind, id string, put func(*memState), v T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if id == "" {
		return zero, fmt.Errorf("save %s: %w", kind, ErrEmptyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.has(kind, id) {
		return zero, fmt.Errorf("save %s %s: %w", kind, id, ErrExists)
	}
	put(&m.state)
	return v, nil
}

// memTx is the Stores view of one Memory transaction.
type memTx struct {
	parent *Memory

	mu     sync.Mutex
	staged memState
}

func (tx *memTx) stage(ctx context.Context, kind, id string, put func(*memState)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("save %s: %w", kind, ErrEmptyID)
	}
	tx.parent.mu.RLock()
	exists := tx.parent.state.has(kind, id)
	tx.parent.mu.RUnlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if exists || tx.staged.has(kind, id) {
		return fmt.Errorf("save %s %s: %w", kind, id, ErrExists)
	}
	put(&tx.staged)
	return nil
}

func (tx *memTx) SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error) {
	err := tx.stage(ctx, "agent", a.ID, func(s *memState) { s.agents[a.ID] = cloneAgent(a) })
	return a, err
}

func (tx *memTx) GetAgent(ctx context.Context, id string) (entity.Agent, bool, error) {
	tx.mu.Lock()
	a, ok := tx.staged.agents[id]
	tx.mu.Unlock()
	if ok {
		return cloneAgent(a), true, nil
	}
	return tx.parent.GetAgent(ctx, id)
}

func (tx *memTx) SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error) {
	err := tx.stage(ctx, "data store node", n.ID, func(s *memState) {
		s.dataStoreNodes[n.ID] = n.WithID(n.ID, n.FlowID)
	})
	return n, err
}

func (tx *memTx) GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error) {
	tx.mu.Lock()
	n, ok := tx.staged.dataStoreNodes[id]
	tx.mu.Unlock()
	if ok {
		return n.WithID(n.ID, n.FlowID), true, nil
	}
	return tx.parent.GetDataStoreNode(ctx, id)
}

func (tx *memTx) SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error) {
	err := tx.stage(ctx, "if node", n.ID, func(s *memState) {
		s.ifNodes[n.ID] = n.WithID(n.ID, n.FlowID)
	})
	return n, err
}

func (tx *memTx) GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error) {
	tx.mu.Lock()
	n, ok := tx.staged.ifNodes[id]
	tx.mu.Unlock()
	if ok {
		return n.WithID(n.ID, n.FlowID), true, nil
	}
	return tx.parent.GetIfNode(ctx, id)
}

func (tx *memTx) SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error) {
	f = stampFlow(f, tx.parent.now())
	err := tx.stage(ctx, "flow", f.ID, func(s *memState) {
		s.flows[f.ID] = f.Clone()
		s.flowOrder = append(s.flowOrder, f.ID)
	})
	return f, err
}

func (tx *memTx) GetFlow(ctx context.Context, id string) (flow.Flow, bool, error) {
	tx.mu.Lock()
	f, ok := tx.staged.flows[id]
	tx.mu.Unlock()
	if ok {
		return f.Clone(), true, nil
	}
	return tx.parent.GetFlow(ctx, id)
}

func (tx *memTx) ListFlows(ctx context.Context) ([]flow.Flow, error) {
	out, err := tx.parent.ListFlows(ctx)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, id := range tx.staged.flowOrder {
		out = append(out, tx.staged.flows[id].Clone())
	}
	return out, nil
}

// stampFlow fills zero timestamps with now.
func stampFlow(f flow.Flow, now time.Time) flow.Flow {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now.UTC()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	return f
}

func cloneAgent(a entity.Agent) entity.Agent {
	a = a.WithID(a.ID)
	a.OutputSchema = append(json.RawMessage(nil), a.OutputSchema...)
	return a
}
