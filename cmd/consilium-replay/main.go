// Command consilium-replay prints a run's persisted event history in
// persisted order, either as a readable table or as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/consilium-ai/consilium/pkg/cmd"
	"github.com/consilium-ai/consilium/pkg/log"
	"github.com/consilium-ai/consilium/pkg/stream"
)

func main() {
	logger := log.WithModule("replay")

	command := &cli.Command{
		Name:  "consilium-replay",
		Usage: "Replay a run's persisted event history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "run-id",
				Usage:    "Run to replay",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format (table, jsonl)",
				Value: "table",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), "text")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			emitter := stream.NewEmitter(persistence.EventRepository(), nil, logger)

			history, err := emitter.Replay(ctx, command.String("run-id"))
			if err != nil {
				return err
			}

			if command.String("format") == "jsonl" {
				encoder := json.NewEncoder(os.Stdout)

				for _, event := range history {
					err = encoder.Encode(event)
					if err != nil {
						return err
					}
				}

				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tTYPE\tEVENT ID")

			for _, event := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					event.GetTimestamp().Format("15:04:05.000"), event.GetType(), event.GetID())
			}

			return w.Flush()
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("Replay failed", "error", err)
		os.Exit(1)
	}
}
