// Package storetest runs the behavior every store.Backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/store"
)

// Run exercises a backend created fresh for each subtest by newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Run("Agents", func(t *testing.T) { testAgents(t, newBackend(t)) })
	t.Run("DataStoreNodes", func(t *testing.T) { testDataStoreNodes(t, newBackend(t)) })
	t.Run("IfNodes", func(t *testing.T) { testIfNodes(t, newBackend(t)) })
	t.Run("Flows", func(t *testing.T) { testFlows(t, newBackend(t)) })

	b := newBackend(t)
	if _, ok := b.(store.Transactor); ok {
		t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newBackend(t)) })
		t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newBackend(t)) })
	}
}

func temp(v float64) *float64 { return &v }

func testAgents(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := entity.Agent{
		ID:           "agent-1",
		Name:         "Writer",
		Provider:     "anthropic",
		ModelID:      "claude",
		Prompt:       []entity.PromptBlock{{Type: entity.BlockTypePlain, Role: entity.RoleSystem, Content: "Write."}},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		Temperature:  temp(0.2),
	}
	if _, err := b.SaveAgent(ctx, a); err != nil {
		t.Fatalf("SaveAgent: unexpected error: %v", err)
	}
	if _, err := b.SaveAgent(ctx, a); !errors.Is(err, store.ErrExists) {
		t.Fatalf("SaveAgent duplicate: got %v, want ErrExists", err)
	}
	if _, err := b.SaveAgent(ctx, entity.Agent{Name: "no id"}); !errors.Is(err, store.ErrEmptyID) {
		t.Fatalf("SaveAgent empty id: got %v, want ErrEmptyID", err)
	}

	got, ok, err := b.GetAgent(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("GetAgent: ok=%v err=%v", ok, err)
	}
	if got.Name != "Writer" || got.Provider != "anthropic" || len(got.Prompt) != 1 {
		t.Fatalf("GetAgent: got %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("GetAgent: temperature = %v", got.Temperature)
	}

	if _, ok, err := b.GetAgent(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetAgent missing: ok=%v err=%v", ok, err)
	}
}

func testDataStoreNodes(t *testing.T, b store.Backend) {
	ctx := context.Background()
	n := entity.DataStoreNode{
		ID:     "ds-1",
		FlowID: "flow-1",
		Name:   "Save",
		Fields: []entity.DataStoreField{{Key: "summary", Value: "{{a.output}}"}},
	}
	if _, err := b.SaveDataStoreNode(ctx, n); err != nil {
		t.Fatalf("SaveDataStoreNode: unexpected error: %v", err)
	}
	if _, err := b.SaveDataStoreNode(ctx, n); !errors.Is(err, store.ErrExists) {
		t.Fatalf("SaveDataStoreNode duplicate: got %v, want ErrExists", err)
	}
	got, ok, err := b.GetDataStoreNode(ctx, "ds-1")
	if err != nil || !ok {
		t.Fatalf("GetDataStoreNode: ok=%v err=%v", ok, err)
	}
	if got.FlowID != "flow-1" || len(got.Fields) != 1 || got.Fields[0].Key != "summary" {
		t.Fatalf("GetDataStoreNode: got %+v", got)
	}
}

func testIfNodes(t *testing.T, b store.Backend) {
	ctx := context.Background()
	n := entity.IfNode{
		ID:         "if-1",
		FlowID:     "flow-1",
		Combinator: entity.CombinatorOr,
		Conditions: []entity.Condition{{Field: "score", Operator: "greater_than", Value: "3"}},
	}
	if _, err := b.SaveIfNode(ctx, n); err != nil {
		t.Fatalf("SaveIfNode: unexpected error: %v", err)
	}
	got, ok, err := b.GetIfNode(ctx, "if-1")
	if err != nil || !ok {
		t.Fatalf("GetIfNode: ok=%v err=%v", ok, err)
	}
	if got.Combinator != entity.CombinatorOr || got.FlowID != "flow-1" || len(got.Conditions) != 1 {
		t.Fatalf("GetIfNode: got %+v", got)
	}
	if _, ok, err := b.GetIfNode(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetIfNode missing: ok=%v err=%v", ok, err)
	}
}

func sampleFlow(id, name string) flow.Flow {
	return flow.Flow{
		ID:   id,
		Name: name,
		Nodes: []flow.Node{
			{ID: flow.StartNodeID, Kind: flow.KindStart},
			{ID: "agent-1", Kind: flow.KindAgent, Position: flow.Position{X: 10, Y: 20}, Data: map[string]any{"label": "Writer"}},
			{ID: flow.EndNodeID, Kind: flow.KindEnd},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: flow.StartNodeID, Target: "agent-1"},
			{ID: "e2", Source: "agent-1", Target: flow.EndNodeID},
		},
		DataStoreSchema: json.RawMessage(`{"summary":"string"}`),
		PanelLayout:     json.RawMessage(`{"flowId":"` + id + `"}`),
	}
}

func testFlows(t *testing.T, b store.Backend) {
	ctx := context.Background()
	saved, err := b.SaveFlow(ctx, sampleFlow("flow-1", "First"))
	if err != nil {
		t.Fatalf("SaveFlow: unexpected error: %v", err)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("SaveFlow: timestamps not set: %+v", saved)
	}
	if _, err := b.SaveFlow(ctx, sampleFlow("flow-1", "Again")); !errors.Is(err, store.ErrExists) {
		t.Fatalf("SaveFlow duplicate: got %v, want ErrExists", err)
	}
	if _, err := b.SaveFlow(ctx, sampleFlow("flow-2", "Second")); err != nil {
		t.Fatalf("SaveFlow second: unexpected error: %v", err)
	}

	got, ok, err := b.GetFlow(ctx, "flow-1")
	if err != nil || !ok {
		t.Fatalf("GetFlow: ok=%v err=%v", ok, err)
	}
	if got.Name != "First" || len(got.Nodes) != 3 || len(got.Edges) != 2 {
		t.Fatalf("GetFlow: got %+v", got)
	}
	if got.Nodes[1].Position.X != 10 || got.Nodes[1].Data["label"] != "Writer" {
		t.Fatalf("GetFlow: node = %+v", got.Nodes[1])
	}

	list, err := b.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows: unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "flow-1" || list[1].ID != "flow-2" {
		t.Fatalf("ListFlows: got %d flows in wrong order", len(list))
	}

	if _, ok, err := b.GetFlow(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetFlow missing: ok=%v err=%v", ok, err)
	}
}

func testTxCommit(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tx := b.(store.Transactor)
	err := tx.RunInTx(ctx, func(s store.Stores) error {
		if _, err := s.Agents.SaveAgent(ctx, entity.Agent{ID: "agent-1", Name: "Writer"}); err != nil {
			return err
		}
		if _, ok, err := s.Agents.GetAgent(ctx, "agent-1"); err != nil || !ok {
			t.Errorf("staged agent not readable inside tx: ok=%v err=%v", ok, err)
		}
		_, err := s.Flows.SaveFlow(ctx, sampleFlow("flow-1", "First"))
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx: unexpected error: %v", err)
	}
	if _, ok, _ := b.GetAgent(ctx, "agent-1"); !ok {
		t.Fatal("agent not committed")
	}
	if _, ok, _ := b.GetFlow(ctx, "flow-1"); !ok {
		t.Fatal("flow not committed")
	}
}

func testTxRollback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	tx := b.(store.Transactor)
	boom := errors.New("boom")
	err := tx.RunInTx(ctx, func(s store.Stores) error {
		if _, err := s.Agents.SaveAgent(ctx, entity.Agent{ID: "agent-1", Name: "Writer"}); err != nil {
			return err
		}
		if _, err := s.IfNodes.SaveIfNode(ctx, entity.IfNode{ID: "if-1", Combinator: entity.CombinatorAnd}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx: got %v, want boom", err)
	}
	if _, ok, _ := b.GetAgent(ctx, "agent-1"); ok {
		t.Fatal("agent visible after rollback")
	}
	if _, ok, _ := b.GetIfNode(ctx, "if-1"); ok {
		t.Fatal("if node visible after rollback")
	}
	list, err := b.ListFlows(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("ListFlows after rollback: %d flows, err=%v", len(list), err)
	}
}
