package main

import "github.com/spf13/cobra"

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the workspace supervisor stack and block until shutdown",
		Long: `Boot the KV backend, process manager, tool registry, chatbot
orchestrator (if any LLM providers are configured), and workspace registry,
then block handling requests until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "wsagentd.yaml", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Demo Command
// =============================================================================

func buildDemoCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		text       string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run scenario S1/S2 against a booted stack and print the result",
		Long: `Boot the stack from --config, spawn the debug echo tool with the
given text in the given workspace, stream its progress and result to
stdout, then shut down. A text beginning with "ERROR: " exercises S2's
failure path; any other text exercises S1's success path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), configPath, workspace, text)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "wsagentd.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&workspace, "workspace", "demo", "Workspace id to spawn the tool in")
	cmd.Flags().StringVar(&text, "text", "Hello, world!", "Text argument passed to the echo tool")
	return cmd
}
