package main

import (
	"fmt"
	"os"

	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Job orchestration server for containerized neuroimaging pipelines",
	Long: `orchestrator runs the job-orchestration API that submits FreeSurfer,
FSL and other neuroimaging pipelines as plugin or workflow jobs against
a local Docker, remote Docker-over-SSH, or SLURM execution backend.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lockfileCmd)
	rootCmd.AddCommand(registryCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
