package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:           "reviewqa",
		Short:         "Answer questions about customer reviews",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCMD(), migrateCMD(), askCMD(), planCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
