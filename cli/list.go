package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowport/flow"
)

// NewListCmd creates the "list" subcommand.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List imported flows",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	flows, err := e.backend.ListFlows(cmd.Context())
	if err != nil {
		return exitError(exitGeneric, "listing flows: %v", err)
	}
	if flows == nil {
		flows = []flow.Flow{}
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(flows); err != nil {
			return fmt.Errorf("encoding flows: %w", err)
		}
		return nil
	}

	if len(flows) == 0 {
		printf(out, "No flows imported.\n")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	printf(tw, "ID\tNAME\tNODES\tEDGES\tCREATED\n")
	for _, f := range flows {
		printf(tw, "%s\t%s\t%d\t%d\t%s\n", f.ID, f.Name, len(f.Nodes), len(f.Edges), f.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
