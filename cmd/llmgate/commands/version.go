package commands

import (
	"github.com/spf13/cobra"

	"github.com/jmylchreest/llmgate/internal/output"
	"github.com/jmylchreest/llmgate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// Runs without loading configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().String("format", "text", "output format: json, jsonl, yaml, text")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}
	w, err := output.NewWriter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	if err := w.Write(version.Get()); err != nil {
		return err
	}
	return w.Close()
}
