package main

import (
	"fmt"
	"os"

	"github.com/ignatij/agentflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Workflow orchestration engine for long-running agent pipelines",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
