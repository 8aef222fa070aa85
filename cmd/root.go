package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagProvider string
	flagModel    string
	flagLogLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "Override the configured provider (openai, ollama, openai-compat)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "Override the model for the active provider")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Streaming LLM chat with tool calls you approve",
	Long: `loom is a chat client for OpenAI-compatible models with streamed
responses and a human-in-the-loop tool workflow: the model proposes
file edits, shell commands and delegated tasks; you approve or reject
each one before it runs.

Examples:
  loom chat                       # start a new thread
  loom chat --thread <id>         # resume a stored thread
  loom threads                    # list stored threads`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
