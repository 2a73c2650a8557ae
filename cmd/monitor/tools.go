package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/config"
	"AI_PROCTOR/go-monitor/internal/logging"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/services"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Probe the inference backend over gRPC health",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "gRPC address (defaults to INFERENCE_GRPC_ADDR)",
			},
			&cli.StringFlag{
				Name:  "service",
				Usage: "Health service name",
				Value: services.InferenceService,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			addr := c.String("addr")
			if addr == "" {
				addr = cfg.InferenceGRPCAddr
			}
			if addr == "" {
				return cli.Exit("no gRPC address: set --addr or INFERENCE_GRPC_ADDR", 1)
			}

			p, err := services.NewHealthProbe(addr, logging.New(cfg.LogLevel, cfg.Environment))
			if err != nil {
				return err
			}
			defer p.Close()

			ok, err := p.Check(c.Context, c.String("service"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if !ok {
				return cli.Exit(fmt.Sprintf("%s: not serving", addr), 1)
			}
			fmt.Fprintf(c.App.Writer, "%s: serving\n", addr)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:      "migrate",
		Usage:     "Run audit schema migrations (up, down, status, version, ...)",
		ArgsUsage: "<command> [args]",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if !cfg.DatabaseEnabled() {
				return cli.Exit("DB_HOST and DB_NAME must be set", 1)
			}
			command := "up"
			var args []string
			if c.NArg() > 0 {
				command = c.Args().First()
				args = c.Args().Tail()
			}
			return audit.Migrate(c.Context, cfg.DSN(), command, args...)
		},
	}
}

func spoolCommand() *cli.Command {
	return &cli.Command{
		Name:      "spool",
		Usage:     "Print a spool file as JSON lines",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Check the digest chain of every session in the spool",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				cfg, err := config.LoadConfig()
				if err != nil {
					return err
				}
				path = cfg.SpoolPath
			}
			if path == "" {
				return cli.Exit("no spool path: pass one or set SPOOL_PATH", 1)
			}

			entries, err := audit.ReadSpool(path)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(c.App.Writer)
			trails := make(map[string][]models.ViolationRow)
			var order []string
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
				if e.Violation != nil {
					id := e.Violation.SessionID
					if _, seen := trails[id]; !seen {
						order = append(order, id)
					}
					trails[id] = append(trails[id], *e.Violation)
				}
			}

			if !c.Bool("verify") {
				return nil
			}
			failed := 0
			for _, id := range order {
				if err := audit.Verify(trails[id]); err != nil {
					failed++
					fmt.Fprintf(c.App.ErrWriter, "session %s: %v\n", id, err)
				}
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d session(s) failed verification", failed), 1)
			}
			fmt.Fprintf(c.App.ErrWriter, "%d session(s) verified\n", len(order))
			return nil
		},
	}
}
