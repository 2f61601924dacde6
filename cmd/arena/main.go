package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/algoaster/algoarena-v1/cmd/utils"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	log.SetFlags(log.Ldate | log.Ltime)

	app = &cli.App{
		Name:    filepath.Base(os.Args[0]),
		Usage:   "grid order-execution service for model agents",
		Version: "0.1.0",
		Action:  serve,
	}

	app.Commands = []*cli.Command{
		serveCommand,
		applyCommand,
		statusCommand,
		pauseCommand,
		resumeCommand,
		clearCommand,
	}
	app.Flags = []cli.Flag{
		utils.ConfigFlag,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
