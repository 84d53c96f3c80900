// Command op-testhost-worker is the worker process launched by op-testhost.
// It dials back to the controller and runs Go packages as test sources.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testhost/exitcodes"
	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum-optimism/infra/op-testhost/worker"
	"github.com/ethereum-optimism/infra/op-testhost/worker/gotest"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-testhost-worker"
	app.Usage = "op-testhost worker running go test"
	app.Flags = cliapp.ProtectFlags(flags.WorkerFlags)
	app.Action = serve

	ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error("Worker failed", "err", err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func serve(ctx *cli.Context) error {
	if err := flags.CheckWorkerRequired(ctx); err != nil {
		return err
	}
	// Logs go to stderr.
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(os.Stderr, logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())

	adapter := gotest.New(logger.New("component", "gotest"), gotest.Config{
		GoBinary: ctx.String(flags.GoBinary.Name),
		WorkDir:  ctx.String(flags.WorkDir.Name),
		Timeout:  ctx.Duration(flags.TestTimeout.Name),

		StaticDiscovery: ctx.Bool(flags.StaticDiscovery.Name),
	})

	err := worker.Serve(ctx.Context, logger, worker.Config{
		Endpoint:  ctx.String(flags.Endpoint.Name),
		ParentPID: ctx.Int(flags.ParentPID.Name),
	}, adapter)
	if errors.Is(err, worker.ErrParentExited) {
		logger.Warn("Controller went away, exiting")
		return nil
	}
	return err
}
