package main

import (
	"fmt"

	"github.com/neuroinsight/orchestrator/pkg/config"
	"github.com/spf13/cobra"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect or reload the plugin/workflow registry",
}

var registryReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read plugin and workflow definitions from disk and report the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return fmt.Errorf("load plugin/workflow registry: %w", err)
		}
		if err := reg.Reload(); err != nil {
			return fmt.Errorf("reload registry: %w", err)
		}

		plugins := reg.ListPlugins(false)
		workflows := reg.ListWorkflows()
		fmt.Printf("Registry reloaded: %d plugin(s), %d workflow(s)\n", len(plugins), len(workflows))
		for _, p := range plugins {
			fmt.Printf("  plugin    %-20s %s\n", p.ID, p.Version)
		}
		for _, w := range workflows {
			fmt.Printf("  workflow  %-20s %s\n", w.ID, w.Version)
		}
		return nil
	},
}

func init() {
	registryCmd.AddCommand(registryReloadCmd)
}
