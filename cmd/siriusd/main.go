package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/siriusdms/internal/cli"
	"github.com/cloo-solutions/siriusdms/internal/cli/daemon"
)

func main() {
	rootCmd := daemon.RootCmd()

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if cli.HelpJSONRequested(os.Args) {
		if err := cli.PrintSchema(os.Stdout, cli.FindTargetCommand(rootCmd, os.Args[1:])); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
