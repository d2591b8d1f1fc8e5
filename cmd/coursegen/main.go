// Package main implements the coursegen CLI: turning an analysis artifact
// into a validated course-structure artifact through the generation pipeline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coursegen",
	Short: "Course structure generator",
	Long: `coursegen runs a multi-stage generation pipeline over a course analysis
artifact: course metadata first, then lessons for every section in
prerequisite order, each attempt validated by a quality gate with retry
and model escalation. The output is a deterministic course-structure
artifact ready for downstream content rendering.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(validateCmd)
}
