package importer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/store"
)

var (
	errMissingPayload = errors.New("no payload exported for node")
	errUnreferenced   = errors.New("payload is not referenced by any node")
)

// entityKind describes how one node kind's entity rows are imported.
type entityKind[T any] struct {
	kind  flow.NodeKind
	parse func(json.RawMessage) (T, error)
	// prepare applies overrides and re-keys the entity.
	prepare func(e T, oldID, newID, flowID string) T
	save    func(ctx context.Context, s store.Stores, e T) error
}

var agentKind = entityKind[entity.Agent]{
	kind:  flow.KindAgent,
	parse: entity.ParseAgent,
	save: func(ctx context.Context, s store.Stores, a entity.Agent) error {
		_, err := s.Agents.SaveAgent(ctx, a)
		return err
	},
}

var dataStoreNodeKind = entityKind[entity.DataStoreNode]{
	kind:  flow.KindDataStoreNode,
	parse: entity.ParseDataStoreNode,
	prepare: func(n entity.DataStoreNode, _, newID, flowID string) entity.DataStoreNode {
		return n.WithID(newID, flowID)
	},
	save: func(ctx context.Context, s store.Stores, n entity.DataStoreNode) error {
		_, err := s.DataStoreNodes.SaveDataStoreNode(ctx, n)
		return err
	},
}

var ifNodeKind = entityKind[entity.IfNode]{
	kind:  flow.KindIfNode,
	parse: entity.ParseIfNode,
	prepare: func(n entity.IfNode, _, newID, flowID string) entity.IfNode {
		return n.WithID(newID, flowID)
	},
	save: func(ctx context.Context, s store.Stores, n entity.IfNode) error {
		_, err := s.IfNodes.SaveIfNode(ctx, n)
		return err
	},
}

// agentKindWith binds the agent importer to a set of overrides.
func agentKindWith(overrides map[string]Override) entityKind[entity.Agent] {
	k := agentKind
	k.prepare = func(a entity.Agent, oldID, newID, _ string) entity.Agent {
		if o, ok := overrides[oldID]; ok {
			a = o.Apply(a)
		}
		return a.WithID(newID)
	}
	return k
}

// importEntities imports every entity of one kind. Nodes of the kind are
// visited in graph order; payloads no node references are skipped.
// Under the strict policy the first failure is returned as a *PhaseError.
func importEntities[T any](ctx context.Context, r *run, k entityKind[T], payloads map[string]json.RawMessage, stores store.Stores) error {
	m := r.mapping
	referenced := make(map[string]bool, len(payloads))

	for _, h := range m.Handles(k.kind) {
		e := m.Entry(h)
		if !e.Entity {
			continue
		}
		referenced[e.OldID] = true
		if err := ctx.Err(); err != nil {
			return phaseErr(PhaseEntities, ErrEntityPersist, err)
		}

		raw, ok := payloads[e.OldID]
		if !ok {
			if err := r.skip(k.kind, e.OldID, e.NewID, ErrEntityConstruction, errMissingPayload); err != nil {
				return err
			}
			continue
		}

		ent, err := k.parse(raw)
		if err != nil {
			if err := r.skip(k.kind, e.OldID, e.NewID, ErrEntityConstruction, err); err != nil {
				return err
			}
			continue
		}
		ent = k.prepare(ent, e.OldID, e.NewID, m.NewFlowID())

		if err := k.save(ctx, stores, ent); err != nil {
			if err := r.skip(k.kind, e.OldID, e.NewID, ErrEntityPersist, err); err != nil {
				return err
			}
			continue
		}
		r.imported(k.kind, e.OldID, e.NewID)
	}

	var orphans []string
	for oldID := range payloads {
		if !referenced[oldID] {
			orphans = append(orphans, oldID)
		}
	}
	sort.Strings(orphans)
	for _, oldID := range orphans {
		r.unreferenced(k.kind, oldID)
	}
	return nil
}
