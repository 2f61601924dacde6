package utils

import "github.com/urfave/cli/v2"

var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.json",
		Usage:   "load configuration from `file`",
	}

	ModelFlag = &cli.StringFlag{
		Name:    "model",
		Aliases: []string{"m"},
		Usage:   "model `name`",
	}
	SymbolFlag = &cli.StringFlag{
		Name:    "symbol",
		Aliases: []string{"s"},
		Usage:   "contract `symbol`, e.g. SOLUSDT",
	}
	SignalFlag = &cli.StringFlag{
		Name:  "signal",
		Usage: "load a grid signal from `file`",
	}
)
