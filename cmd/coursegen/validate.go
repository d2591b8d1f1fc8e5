package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
)

var validateCmd = &cobra.Command{
	Use:   "validate [analysis.json]",
	Short: "Validate an analysis artifact without spending tokens",
	Long: `Validate checks an analysis artifact against the input schema: section
count, unique ids, objectives, difficulties and an acyclic prerequisite
graph. No model is called.

Examples:
  coursegen validate analysis.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading analysis artifact: %w", err)
	}
	analysis, err := artifact.ParseAnalysis(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d sections)\n", args[0], len(analysis.Sections))
	return nil
}
