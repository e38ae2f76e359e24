package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/agentmesh/agent-hub/config"
)

const ServiceName = "agent-hub"

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Message hub for multi-agent collaboration",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the push server",
		// Options go through pflag/viper so file, env and flag settings merge.
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			fs := config.Flags()
			if err := fs.Parse(c.Args().Slice()); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(fs)
			if err != nil {
				return err
			}

			app := NewApp(cfg)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			if path, _ := fs.GetString("config"); path != "" {
				err := config.Watch(c.Context, path, slog.Default(), func() {
					next, err := config.LoadConfig(fs)
					if err != nil {
						slog.Warn("config reload skipped", "err", err)
						return
					}
					logLevel.Set(parseLevel(next.Log.Level))
				})
				if err != nil {
					slog.Warn("config watch disabled", "err", err)
				}
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
