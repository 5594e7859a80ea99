package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/zkey-ceremony-coordinator/api/ceremonyhandler"
	"github.com/ruteri/zkey-ceremony-coordinator/api/servers"
	"github.com/ruteri/zkey-ceremony-coordinator/auth"
	"github.com/ruteri/zkey-ceremony-coordinator/ceremony"
	"github.com/ruteri/zkey-ceremony-coordinator/cmd/flags"
	"github.com/ruteri/zkey-ceremony-coordinator/coordination"
	"github.com/ruteri/zkey-ceremony-coordinator/storage"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	}
	flagDatabase = &cli.StringFlag{
		Name:  "db-uri",
		Value: "memory://",
		Usage: "coordination database: memory:// or redis://[:password@]host:port/db[?prefix=zkc:]",
	}
	flagArtifacts = &cli.StringFlag{
		Name:  "artifacts-uri",
		Value: "file://./artifacts",
		Usage: "artifact store: file://path or s3://[KEY:SECRET@]/?region=...&endpoint=...",
	}
	flagPublish = &cli.StringSliceFlag{
		Name:  "publish-uri",
		Usage: "mirror finalized artifacts to ipfs://host:port (repeatable)",
	}
	flagTokenTTL = &cli.DurationFlag{
		Name:  "token-ttl",
		Value: 7 * 24 * time.Hour,
		Usage: "validity of tokens issued by this process",
	}
	flagWatchTimeout = &cli.DurationFlag{
		Name:  "watch-timeout",
		Value: 25 * time.Second,
		Usage: "how long a participant watch is held open",
	}
	flagEvictionInterval = &cli.DurationFlag{
		Name:  "eviction-interval",
		Value: 30 * time.Second,
		Usage: "period of the stalled contributor check",
	}
	flagPresignExpiry = &cli.DurationFlag{
		Name:  "presign-expiry",
		Value: time.Hour,
		Usage: "validity of presigned download URLs",
	}
	flagMaxChunk = &cli.Int64Flag{
		Name:  "max-chunk-bytes",
		Value: 64 << 20,
		Usage: "largest accepted multipart chunk",
	}
)

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "Coordinate a phase 2 trusted setup ceremony",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagDatabase,
			flagArtifacts,
			flagPublish,
			flags.JWTSecretFlag,
			flags.JWTIssuerFlag,
			flagTokenTTL,
			flagWatchTimeout,
			flagEvictionInterval,
			flagPresignExpiry,
			flagMaxChunk,
			flags.LogServiceFlagFn("zkey-coordinator"),
		}, flags.CommonFlags...),
		Action: runCoordinator,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCoordinator(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	db, err := coordination.NewStoreFromURI(ctx, cCtx.String(flagDatabase.Name), logger)
	if err != nil {
		logger.Error("Failed to open coordination database", "err", err)
		return err
	}

	factory := storage.NewStoreFactory(logger)
	artifacts, err := factory.ArtifactStoreFor(cCtx.String(flagArtifacts.Name))
	if err != nil {
		logger.Error("Failed to open artifact store", "err", err)
		return err
	}

	svc := ceremony.NewService(db, artifacts, clock.New(), logger).
		WithPresignExpiry(cCtx.Duration(flagPresignExpiry.Name))

	if uris := cCtx.StringSlice(flagPublish.Name); len(uris) > 0 {
		publisher, err := factory.PublisherFor(uris)
		if err != nil {
			logger.Error("Failed to configure publishers", "err", err)
			return err
		}
		svc.WithPublisher(publisher)
	}

	tokens := auth.NewJWTManager(cCtx.String(flags.JWTSecretFlag.Name), cCtx.String(flags.JWTIssuerFlag.Name), cCtx.Duration(flagTokenTTL.Name))
	watchTimeout := cCtx.Duration(flagWatchTimeout.Name)
	handler := ceremonyhandler.NewHandler(svc, tokens, ceremonyhandler.Config{
		WatchTimeout: watchTimeout,
		MaxChunkSize: cCtx.Int64(flagMaxChunk.Name),
	}, logger)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name), watchTimeout)
	server, err := servers.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	svc.WithMetrics(server.Metrics())

	server.RunInBackground()
	go svc.MonitorTimeouts(ctx, cCtx.Duration(flagEvictionInterval.Name))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Coordinator is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	server.Shutdown(context.Background())
	if err := db.Close(); err != nil {
		logger.Warn("Closing coordination database failed", "err", err)
	}
	logger.Info("Coordinator shutdown complete")
	return nil
}
