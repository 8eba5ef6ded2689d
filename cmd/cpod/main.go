// Command cpod runs the central post office daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mopmsg/mop/cpo"
)

func main() {
	app := &cli.App{
		Name:  "cpod",
		Usage: "central post office daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "cpo.yaml",
				Usage:   "path to the YAML configuration",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "logging level (debug, info, warn, error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("cpod failed")
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	path := c.String("config")
	cfg, err := cpo.LoadConfig(path)
	if err != nil {
		return err
	}

	central, err := cpo.New(*cfg, path)
	if err != nil {
		return err
	}
	if err := central.Start(); err != nil {
		return err
	}
	defer central.Shutdown()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logrus.WithField("signal", sig.String()).Info("Shutting down")
	return nil
}
