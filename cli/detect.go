package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowport/loader"
)

// NewDetectCmd creates the "detect" subcommand.
func NewDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Report the export format of a file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runDetect(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from the command line
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitGeneric, "reading file: %v", err)
	}

	det, err := loader.Detect(data, filePath)
	if err != nil {
		return exitError(exitParse, "%s: %v", filePath, err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(det); err != nil {
			return fmt.Errorf("encoding detection: %w", err)
		}
	default:
		printf(out, "%s: %s (%s)\n", filePath, det.Format, det.Reason)
	}

	if det.Format == loader.FormatUnknown {
		return exitError(exitUnknownFmt, "%s: unrecognized export format", filePath)
	}
	return nil
}
