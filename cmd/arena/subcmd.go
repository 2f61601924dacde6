package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/algoaster/algoarena-v1/cmd/utils"
	"github.com/algoaster/algoarena-v1/node"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/urfave/cli/v2"
)

var (
	serveCommand = &cli.Command{
		Action: serve,
		Name:   "serve",
		Usage:  "Run the order-execution service",
		Flags:  []cli.Flag{utils.ConfigFlag},
	}
	applyCommand = &cli.Command{
		Action: apply,
		Name:   "apply",
		Usage:  "Apply a grid signal from a file",
		Flags:  []cli.Flag{utils.ConfigFlag, utils.SignalFlag},
	}
	statusCommand = &cli.Command{
		Action: status,
		Name:   "status",
		Usage:  "Show the grid status for a model and symbol",
		Flags:  []cli.Flag{utils.ConfigFlag, utils.ModelFlag, utils.SymbolFlag},
	}
	pauseCommand = &cli.Command{
		Action: pause,
		Name:   "pause",
		Usage:  "Pause a grid and cancel its resting orders",
		Flags:  []cli.Flag{utils.ConfigFlag, utils.ModelFlag, utils.SymbolFlag},
	}
	resumeCommand = &cli.Command{
		Action: resume,
		Name:   "resume",
		Usage:  "Resume a paused grid",
		Flags:  []cli.Flag{utils.ConfigFlag, utils.ModelFlag, utils.SymbolFlag},
	}
	clearCommand = &cli.Command{
		Action: clear,
		Name:   "clear",
		Usage:  "Cancel everything for a model and symbol and retire the grid",
		Flags:  []cli.Flag{utils.ConfigFlag, utils.ModelFlag, utils.SymbolFlag},
	}
)

func initNode(ctx *cli.Context) (*node.Node, error) {
	n := node.New(ctx.String(utils.ConfigFlag.Name))
	if err := n.Init(ctx.Context); err != nil {
		return nil, err
	}
	return n, nil
}

func serve(ctx *cli.Context) error {
	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.Serve(runCtx)
}

func apply(ctx *cli.Context) error {
	signalFile := ctx.String(utils.SignalFlag.Name)
	if signalFile == "" {
		return fmt.Errorf("--signal is required")
	}
	data, err := os.ReadFile(signalFile)
	if err != nil {
		return err
	}
	sig := trade.GridSignal{SplitAt: -1}
	if err := json.Unmarshal(data, &sig); err != nil {
		return err
	}

	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	result, err := n.Engine().Apply(ctx.Context, sig)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func status(ctx *cli.Context) error {
	model, symbol, err := pairArgs(ctx)
	if err != nil {
		return err
	}
	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	report, err := n.Engine().Status(ctx.Context, model, symbol)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func pause(ctx *cli.Context) error {
	model, symbol, err := pairArgs(ctx)
	if err != nil {
		return err
	}
	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	canceled, err := n.Engine().Pause(ctx.Context, model, symbol)
	if err != nil {
		return err
	}
	fmt.Printf("paused %s %s, %d orders canceled\n", model, symbol, canceled)
	return nil
}

func resume(ctx *cli.Context) error {
	model, symbol, err := pairArgs(ctx)
	if err != nil {
		return err
	}
	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	result, err := n.Engine().Resume(ctx.Context, model, symbol)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func clear(ctx *cli.Context) error {
	model, symbol, err := pairArgs(ctx)
	if err != nil {
		return err
	}
	n, err := initNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close(ctx.Context)

	return n.Engine().ClearPair(ctx.Context, model, symbol)
}

func pairArgs(ctx *cli.Context) (model, symbol string, err error) {
	model = ctx.String(utils.ModelFlag.Name)
	symbol = ctx.String(utils.SymbolFlag.Name)
	if model == "" || symbol == "" {
		err = fmt.Errorf("--model and --symbol are required")
	}
	return
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
