package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowport/config"
	"github.com/petal-labs/flowport/importer"
)

// NewImportCmd creates the "import" subcommand.
func NewImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an exported flow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	cmd.Flags().StringArray("override", nil, "Model override (repeatable, e.g. --override a1=openai/gpt-4o/GPT-4o)")
	cmd.Flags().String("overrides", "", "YAML or JSON file mapping agent ids to overrides")
	cmd.Flags().Bool("strict", false, "Abort on the first entity failure")
	cmd.Flags().Bool("no-atomic", false, "Do not run the import in a single store transaction")
	cmd.Flags().Bool("parallel", false, "Import entity kinds concurrently")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown output format %q (want text or json)", format)
	}

	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitGeneric, "reading file: %v", err)
	}

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	opts, err := importOptions(cmd, e.cfg)
	if err != nil {
		return err
	}
	imp, err := e.newImporter()
	if err != nil {
		return err
	}
	if e.cfg.Store.Backend == config.BackendMemory {
		e.logger.Warn("memory backend selected; imported rows are discarded on exit")
	}

	result, err := imp.ImportFile(cmd.Context(), filePath, opts)
	if err != nil {
		return importFailure(err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		return nil
	}
	if !isQuiet(cmd) {
		printImportResult(out, result)
	}
	return nil
}

// importOptions merges config defaults, the overrides file and --override
// flags, in increasing precedence.
func importOptions(cmd *cobra.Command, cfg config.File) (importer.Options, error) {
	opts, err := cfg.ImportOptions()
	if err != nil {
		return importer.Options{}, exitError(exitValidation, "%v", err)
	}
	if opts.Overrides == nil {
		opts.Overrides = make(map[string]importer.Override)
	}

	if path, _ := cmd.Flags().GetString("overrides"); path != "" {
		fromFile, err := config.LoadOverrides(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return importer.Options{}, exitError(exitFileNotFound, "overrides file not found: %s", path)
			}
			return importer.Options{}, exitError(exitValidation, "%v", err)
		}
		for id, o := range fromFile {
			opts.Overrides[id] = o
		}
	}

	flags, _ := cmd.Flags().GetStringArray("override")
	for _, raw := range flags {
		id, o, err := parseOverrideFlag(raw)
		if err != nil {
			return importer.Options{}, exitError(exitValidation, "%v", err)
		}
		opts.Overrides[id] = o
	}

	if strict, _ := cmd.Flags().GetBool("strict"); strict {
		opts.Policy = importer.PolicyStrict
	}
	if noAtomic, _ := cmd.Flags().GetBool("no-atomic"); noAtomic {
		opts.Atomic = false
	}
	if parallel, _ := cmd.Flags().GetBool("parallel"); parallel {
		opts.Parallel = true
	}
	return opts, nil
}

// parseOverrideFlag parses "id=provider/modelId[/modelName]".
func parseOverrideFlag(raw string) (string, importer.Override, error) {
	id, model, ok := strings.Cut(raw, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", importer.Override{}, fmt.Errorf("invalid --override %q (want id=provider/modelId[/modelName])", raw)
	}
	o, err := importer.ParseOverride(model)
	if err != nil {
		return "", importer.Override{}, fmt.Errorf("--override %s: %w", id, err)
	}
	return id, o, nil
}

func printImportResult(w io.Writer, res *importer.Result) {
	printf(w, "Imported %q as flow %s (%s)\n", res.Flow.Name, res.Flow.ID, res.Format)
	printf(w, "  nodes: %d, edges: %d\n", len(res.Flow.Nodes), len(res.Flow.Edges))
	printf(w, "  entities: %s\n", res.Report.Summary())

	if len(res.Report.Skipped) > 0 {
		printf(w, "  skipped:\n")
		for _, s := range res.Report.Skipped {
			printf(w, "    - %s %s (%s): %s\n", s.Kind, s.OldID, s.Phase, s.Reason)
		}
	}
	if len(res.Report.DanglingNodeIDs) > 0 {
		printf(w, "  dangling nodes: %s\n", strings.Join(res.Report.DanglingNodeIDs, ", "))
	}
	if res.Report.EdgeFallbacks > 0 {
		printf(w, "  edge endpoints kept verbatim: %d\n", res.Report.EdgeFallbacks)
	}
	for _, d := range res.Report.Warnings {
		printf(w, "  warning %s: %s\n", d.Code, d.Message)
	}

	olds := make([]string, 0, len(res.IDMap))
	for old := range res.IDMap {
		olds = append(olds, old)
	}
	sort.Strings(olds)
	if len(olds) > 0 {
		printf(w, "  ids:\n")
		for _, old := range olds {
			printf(w, "    %s -> %s\n", old, res.IDMap[old])
		}
	}
}
