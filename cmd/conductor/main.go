package main

import (
	"context"
	"os"

	"github.com/conductor-hq/conductor/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("conductor")

	cmd := &cli.Command{
		Name:                  "conductor",
		Usage:                 "Run the flow orchestration daemon",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
