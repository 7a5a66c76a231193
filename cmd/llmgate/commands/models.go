package commands

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/llmgate/internal/output"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List and manage the model registry",
	Long: `List the models callers can request, with the backend serving each
and its billing rates (per 1000 tokens).

Examples:
  llmgate models
  llmgate models --backend bedrock --tag tools
  llmgate models import models.yaml`,
	RunE: runModelsList,
}

var modelsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Copy a JSON or YAML model index into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsImport,
}

var modelsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a model from the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsDelete,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsImportCmd, modelsDeleteCmd)

	flags := modelsCmd.Flags()
	flags.String("backend", "", "only models served by this provider")
	flags.StringSlice("tag", nil, "only models with all of these tags")
	flags.String("format", "text", "output format: json, jsonl, yaml, text")
}

// modelTable renders registry entries in text output.
type modelTable []registry.ModelInfo

func (t modelTable) Header() []string {
	return []string{"ID", "BACKEND", "BACKEND MODEL", "MAX OUT", "INPUT", "OUTPUT", "CACHE READ", "CACHE WRITE", "TAGS"}
}

func (t modelTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, m := range t {
		rows[i] = []string{
			m.ID,
			m.Backend,
			m.Target(),
			strconv.Itoa(m.MaxOutputTokens),
			rate(m.Rates.Input),
			rate(m.Rates.Output),
			rate(m.Rates.CacheRead),
			rate(m.Rates.CacheWrite),
			strings.Join(m.Tags, ","),
		}
	}
	return rows
}

func rate(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func runModelsList(cmd *cobra.Command, _ []string) error {
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg, wantParts{models: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var opts []registry.ListOption
	if b, _ := cmd.Flags().GetString("backend"); b != "" {
		opts = append(opts, registry.WithBackend(b))
	}
	if tags, _ := cmd.Flags().GetStringSlice("tag"); len(tags) > 0 {
		opts = append(opts, registry.WithTags(tags...))
	}

	models, err := a.models.List(cmd.Context(), opts...)
	if err != nil {
		return err
	}

	w, err := output.NewWriter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	if format == output.FormatText {
		if err := w.Write(modelTable(models)); err != nil {
			return err
		}
	} else {
		items := make([]any, len(models))
		for i := range models {
			items[i] = models[i]
		}
		if err := w.WriteAll(items); err != nil {
			return err
		}
	}
	return w.Close()
}

func runModelsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	models, err := registry.NewFlatFile(args[0]).LoadModels(ctx)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.store.UpsertModels(ctx, models...); err != nil {
		return err
	}
	logInfo("imported %d models from %s", len(models), args[0])
	return nil
}

func runModelsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, wantParts{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.store.DeleteModel(cmd.Context(), args[0]); err != nil {
		return err
	}
	logInfo("deleted model %s", args[0])
	return nil
}
