package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/panecrew/internal/agent"
	"github.com/Iron-Ham/panecrew/internal/config"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent types and whether their executables are installed",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return listAgents(cmd, agent.NewRegistry(cfg.Agents))
}

func listAgents(cmd *cobra.Command, reg *agent.Registry) error {
	out := cmd.OutOrStdout()
	for _, name := range reg.Names() {
		spec, err := reg.Resolve(name, agent.ResolveOptions{})
		if err != nil {
			fmt.Fprintf(out, "%-12s unavailable\n", name)
			continue
		}
		var traits []string
		if spec.PromptMode.Supported {
			traits = append(traits, "prompt")
		}
		if spec.AcksShutdown {
			traits = append(traits, "acks-shutdown")
		}
		if spec.Interop {
			traits = append(traits, "interop")
		}
		fmt.Fprintf(out, "%-12s %s %s\n", name, spec.Binary, strings.Join(traits, ","))
	}
	return nil
}
