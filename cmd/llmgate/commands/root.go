// Package commands implements the CLI commands for llmgate.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/llmgate/internal/config"
	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "llmgate",
	Short: "Inference gateway for Anthropic, Bedrock and Gemini models",
	Long: `llmgate sends canonical conversations to the backend serving the
requested model, repairs malformed conversations, places prompt cache
markers and meters token usage per caller.

Examples:
  # Single-shot call on behalf of a caller
  llmgate invoke -f request.json --caller team-a

  # Stream the reply as it is generated
  llmgate invoke -f request.json --caller team-a --stream --format text

  # Give a caller a credit limit
  llmgate callers set team-a --limit 25

  # Load the model table into the database
  llmgate models import models.yaml`,
	Version:           version.String(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// cfg is loaded once per invocation by setup.
var cfg *config.Config

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.llmgate.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "only log errors")
	rootCmd.PersistentFlags().Bool("json-logs", false, "log as JSON")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("json-logs"))
}

var configErr error

func initConfig() {
	configErr = config.Setup(viper.GetViper(), viper.GetString("config"))
}

// setup loads the configuration and initializes logging for every command.
func setup(_ *cobra.Command, _ []string) error {
	if configErr != nil {
		return configErr
	}
	loaded, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = loaded

	logger.Init(logger.Options{
		Level: cfg.Log.Level,
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
		JSON:  cfg.Log.JSON,
	})
	logger.Debug("configuration loaded",
		"config_file", viper.ConfigFileUsed(),
		"providers", len(cfg.Providers),
		"models_source", cfg.Models.Source,
	)
	return nil
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logError("%v", err)
	}
	return err
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// logInfo prints an info message to stderr (unless quiet mode).
func logInfo(format string, args ...any) {
	if !viper.GetBool("quiet") {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
