package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

var (
	Version   = "dev"
	GitCommit = ""
)

func main() {
	app := newCLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "netgauge"
	app.Usage = "measure network quality and report it"
	app.Version = Version
	if GitCommit != "" {
		app.Version += "-" + GitCommit
	}
	app.Flags = []cli.Flag{ConfigFlag}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "perform one measurement run and print the report",
			Flags:  []cli.Flag{JSONFlag, MetricFlag, EngineFlag, ScriptFlag},
			Action: runAction,
		},
		{
			Name:   "serve",
			Usage:  "serve the control API and run the scheduler",
			Flags:  []cli.Flag{EngineFlag, ScriptFlag},
			Action: serveAction,
		},
		{
			Name:   "schedule",
			Usage:  "print the probe schedule",
			Flags:  []cli.Flag{JSONFlag},
			Action: scheduleAction,
		},
	}
	app.DefaultCommand = "run"
	return app
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
