package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/neuroinsight/orchestrator/pkg/config"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/spf13/cobra"
)

var lockfileCmd = &cobra.Command{
	Use:   "lockfile",
	Short: "Generate or verify the plugin/workflow reproducibility lockfile",
}

var lockfileGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write the current registry's lockfile to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return fmt.Errorf("load plugin/workflow registry: %w", err)
		}

		lf := reg.GenerateLockfile()
		data, err := json.MarshalIndent(lf, "", "  ")
		if err != nil {
			return err
		}

		if out == "-" || out == "" {
			fmt.Println(string(data))
			return nil
		}
		return os.WriteFile(out, data, 0o644)
	},
}

var lockfileVerifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Verify a lockfile against the current registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read lockfile: %w", err)
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return fmt.Errorf("load plugin/workflow registry: %w", err)
		}

		var lf types.Lockfile
		if err := json.Unmarshal(data, &lf); err != nil {
			return fmt.Errorf("parse lockfile: %w", err)
		}

		report := reg.VerifyLockfile(lf)
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))

		if report.Status != "ok" {
			return fmt.Errorf("lockfile verification failed: %s", report.Status)
		}
		return nil
	},
}

func init() {
	lockfileGenerateCmd.Flags().String("out", "-", "Output file path, or - for stdout")
	lockfileCmd.AddCommand(lockfileGenerateCmd)
	lockfileCmd.AddCommand(lockfileVerifyCmd)
}
