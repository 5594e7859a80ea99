package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/api/ceremonyhandler"
	"github.com/ruteri/zkey-ceremony-coordinator/cmd/flags"
	"github.com/ruteri/zkey-ceremony-coordinator/contribute"
	"github.com/ruteri/zkey-ceremony-coordinator/upload"
	"github.com/urfave/cli/v2"
)

var (
	flagWorkDir = &cli.StringFlag{
		Name:  "work-dir",
		Value: "./ceremony-work",
		Usage: "directory keeping artifacts between restarts",
	}
	flagEntropy = &cli.StringFlag{
		Name:  "entropy",
		Usage: "hex encoded entropy; random when empty",
	}
	flagChunkSize = &cli.Int64Flag{
		Name:  "chunk-bytes",
		Value: upload.DefaultChunkSize,
		Usage: "multipart upload chunk size",
	}
	flagRetries = &cli.Uint64Flag{
		Name:  "chunk-retries",
		Value: 5,
		Usage: "retries of a failed chunk",
	}
)

func main() {
	app := &cli.App{
		Name:  "contributor",
		Usage: "Contribute to a phase 2 trusted setup ceremony",
		Flags: append([]cli.Flag{
			flags.ServerAddrFlag,
			flags.TokenFlag,
			flags.CeremonyFlag,
			flagWorkDir,
			flagEntropy,
			flagChunkSize,
			flagRetries,
			flags.LogServiceFlagFn("zkey-contributor"),
		}, flags.LogFlags...),
		Action: runContributor,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runContributor(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ceremonyID := cCtx.String(flags.CeremonyFlag.Name)

	var entropy []byte
	if e := cCtx.String(flagEntropy.Name); e != "" {
		var err error
		if entropy, err = hex.DecodeString(e); err != nil {
			return fmt.Errorf("invalid entropy: %w", err)
		}
	}

	workDir := cCtx.String(flagWorkDir.Name)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return err
	}

	client := ceremonyhandler.NewClient(cCtx.String(flags.ServerAddrFlag.Name), cCtx.String(flags.TokenFlag.Name))
	uploadCfg := upload.DefaultConfig()
	uploadCfg.ChunkSize = cCtx.Int64(flagChunkSize.Name)
	uploadCfg.MaxRetries = cCtx.Uint64(flagRetries.Name)

	runner := contribute.NewRunner(client, client.Storage(ceremonyID), contribute.Config{
		CeremonyID: ceremonyID,
		WorkDir:    workDir,
		Entropy:    entropy,
		Upload:     uploadCfg,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	p, err := runner.Run(ctx)
	switch {
	case errors.Is(err, contribute.ErrPenalty):
		logger.Warn("Timed out earlier; try again once the penalty has passed", "err", err)
		return err
	case errors.Is(err, context.Canceled):
		logger.Info("Interrupted; run again with the same work directory to resume")
		return nil
	case err != nil:
		logger.Error("Contribution failed", "err", err)
		return err
	}
	logger.Info("Contribution finished", "status", p.Status, "elapsed", time.Since(start).Round(time.Second))

	c, err := client.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return err
	}
	circuits, err := client.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return err
	}
	fmt.Print(contribute.Attestation(c, circuits, p))
	return nil
}
