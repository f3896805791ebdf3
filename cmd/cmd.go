//go:build linux

package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/webitel/tcpbus/config"
)

const (
	ServiceName      = "tcpbus"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Point-to-point TCP message bus",
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
		Usage:   "Run the bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config_file")
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			if err := config.WatchReload(path, logger, func(reloaded *config.Config) {
				// This only replaces the shared *Config's contents: the
				// tcpbus and protobus configs were copied out of it when
				// the fx graph was built, so the running bus keeps its
				// start-up values until restart (republish, don't rewire).
				*cfg = *reloaded
			}); err != nil {
				logger.Warn("config: hot-reload watch not armed", "err", err)
			}

			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
