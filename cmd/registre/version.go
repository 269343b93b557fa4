package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/laurentialabs/registre/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("registre %s\n", version.GitRelease)
		fmt.Printf("  go:          %s\n", version.GoInfo)
		fmt.Printf("  commit:      %s\n", version.GitCommit)
		fmt.Printf("  commit date: %s\n", version.GitCommitDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
