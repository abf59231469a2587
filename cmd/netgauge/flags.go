package main

import (
	"github.com/urfave/cli/v2"
)

const envPrefix = "NETGAUGE_"

var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "./config.json",
		EnvVars: []string{envPrefix + "CONFIG"},
		Usage:   "Path to the config file (JSON or YAML); a missing file means defaults",
	}
	JSONFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "Print JSON instead of tables",
	}
	MetricFlag = &cli.StringFlag{
		Name:  "metric",
		Value: "download",
		Usage: "Metric shown on the live gauge (download or latency)",
	}
	EngineFlag = &cli.StringFlag{
		Name:    "engine",
		EnvVars: []string{envPrefix + "ENGINE"},
		Usage:   "Override engine.driver (speedtest or scripted)",
	}
	ScriptFlag = &cli.StringFlag{
		Name:  "script",
		Usage: "Script file for the scripted engine",
	}
)
