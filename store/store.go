// Package store defines the save-stores the importer writes to and an
// in-memory backend. SQLite and Redis backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
)

// Sentinel errors for store operations.
var (
	ErrExists   = errors.New("record already exists")
	ErrNotFound = errors.New("record not found")
	ErrEmptyID  = errors.New("record id is required")
)

// AgentStore persists agent entities.
type AgentStore interface {
	SaveAgent(ctx context.Context, a entity.Agent) (entity.Agent, error)
	GetAgent(ctx context.Context, id string) (entity.Agent, bool, error)
}

// DataStoreNodeStore persists data-store node entities.
type DataStoreNodeStore interface {
	SaveDataStoreNode(ctx context.Context, n entity.DataStoreNode) (entity.DataStoreNode, error)
	GetDataStoreNode(ctx context.Context, id string) (entity.DataStoreNode, bool, error)
}

// IfNodeStore persists if-node entities.
type IfNodeStore interface {
	SaveIfNode(ctx context.Context, n entity.IfNode) (entity.IfNode, error)
	GetIfNode(ctx context.Context, id string) (entity.IfNode, bool, error)
}

// FlowStore persists flow rows. Saving a flow is the commit point of an
// import: a flow row only references entities that were saved before it.
type FlowStore interface {
	SaveFlow(ctx context.Context, f flow.Flow) (flow.Flow, error)
	GetFlow(ctx context.Context, id string) (flow.Flow, bool, error)
	ListFlows(ctx context.Context) ([]flow.Flow, error)
}

// Stores bundles the four save-stores used by one import.
type Stores struct {
	Agents         AgentStore
	DataStoreNodes DataStoreNodeStore
	IfNodes        IfNodeStore
	Flows          FlowStore
}

// Backend is a storage engine implementing every store.
type Backend interface {
	AgentStore
	DataStoreNodeStore
	IfNodeStore
	FlowStore
	Close() error
}

// Transactor is implemented by backends that can run several writes as one
// unit. fn receives stores bound to the transaction; when fn returns an
// error nothing it wrote becomes visible.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(Stores) error) error
}

// StoresOf returns a Stores bundle backed entirely by b.
func StoresOf(b Backend) Stores {
	return Stores{Agents: b, DataStoreNodes: b, IfNodes: b, Flows: b}
}
