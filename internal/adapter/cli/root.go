// Package cli wires the pipeline's components into a single binary with
// one subcommand per long-running service.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// RunFunc runs one component until its context is canceled.
type RunFunc func(ctx context.Context) error

// Dependencies captures the component entrypoints injected by the host
// process.
type Dependencies struct {
	RunWebhook      RunFunc
	RunOrchestrator RunFunc
	RunLLMWorker    RunFunc
	RunGitWorker    RunFunc
	Version         string
}

// NewRootCommand constructs the root Cobra command.
func NewRootCommand(deps Dependencies) *cobra.Command {
	root := &cobra.Command{
		Use:     "rp",
		Short:   "Automated PR/MR review pipeline",
		Version: deps.Version,
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.AddCommand(
		componentCommand("webhook", "Run the webhook ingress HTTP server", deps.RunWebhook),
		componentCommand("orchestrator", "Run the orchestrator worker", deps.RunOrchestrator),
		componentCommand("llm-worker", "Run the LLM worker", deps.RunLLMWorker),
		componentCommand("git-worker", "Run the git worker", deps.RunGitWorker),
	)

	return root
}

func componentCommand(name, short string, run RunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}
