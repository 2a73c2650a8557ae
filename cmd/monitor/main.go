// Command monitor runs a live integrity-monitoring session against the
// inference service and manages its audit trail.
//
// Usage:
//
//	monitor <command> [options]
//
// Exit codes for `run`:
//   - 0: session stopped or submitted
//   - 1: error
//   - 3: session terminated after exhausting its chances
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "monitor",
		Usage:   "Live exam-integrity monitoring client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config overlay",
				EnvVars: []string{"PROCTOR_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("config"); path != "" {
				return os.Setenv("PROCTOR_CONFIG", path)
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			healthCommand(),
			migrateCommand(),
			spoolCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
