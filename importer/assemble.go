package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/loader"
	"github.com/petal-labs/flowport/remap"
	"github.com/petal-labs/flowport/store"
)

// assemble builds the new flow from the canonical export and the rewritten
// graph, and validates it. Nothing is persisted.
func assemble(c *loader.Canonical, nodes []flow.Node, edges []flow.Edge, layout json.RawMessage, m *remap.Mapping) (flow.Flow, []flow.Diagnostic, error) {
	f := flow.Flow{
		ID:               m.NewFlowID(),
		Name:             c.Name,
		Description:      c.Description,
		Nodes:            nodes,
		Edges:            edges,
		ResponseTemplate: c.ResponseTemplate,
		DataStoreSchema:  c.DataStoreSchema,
		PanelLayout:      layout,
	}
	if f.Nodes == nil {
		f.Nodes = []flow.Node{}
	}
	if f.Edges == nil {
		f.Edges = []flow.Edge{}
	}

	diags := f.Validate()
	if err := flow.AsError(diags); err != nil {
		return flow.Flow{}, diags, err
	}
	return f, flow.Warnings(diags), nil
}

// commitFlow persists the flow row. Once it returns nil the import is live.
func commitFlow(ctx context.Context, flows store.FlowStore, f flow.Flow) (flow.Flow, error) {
	saved, err := flows.SaveFlow(ctx, f)
	if err != nil {
		return flow.Flow{}, phaseErr(PhaseCommit, ErrFlowPersist, fmt.Errorf("saving flow %s: %w", f.ID, err))
	}
	return saved, nil
}
