package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/zkey-ceremony-coordinator/api"
	"github.com/ruteri/zkey-ceremony-coordinator/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the server config. The write timeout leaves room
// for the participant watch long-poll.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string, watchTimeout time.Duration) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Minute,
		WriteTimeout:             watchTimeout + 30*time.Second,
	}
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"CEREMONY_SERVER_ADDR"},
	Usage:   "coordinator API address",
}

var TokenFlag = &cli.StringFlag{
	Name:     "token",
	EnvVars:  []string{"CEREMONY_TOKEN"},
	Required: true,
	Usage:    "bearer token identifying the caller",
}

var CeremonyFlag = &cli.StringFlag{
	Name:     "ceremony",
	Required: true,
	Usage:    "ceremony id",
}

var JWTSecretFlag = &cli.StringFlag{
	Name:     "jwt-secret",
	EnvVars:  []string{"CEREMONY_JWT_SECRET"},
	Required: true,
	Usage:    "HMAC secret signing caller tokens",
}

var JWTIssuerFlag = &cli.StringFlag{
	Name:  "jwt-issuer",
	Value: "zkey-ceremony-coordinator",
	Usage: "issuer of caller tokens",
}

var RpcAddrFlag = &cli.StringFlag{
	Name:  "rpc-addr",
	Value: "http://127.0.0.1:8545",
	Usage: "Ethereum RPC used to read the beacon block",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = append(append([]cli.Flag{}, LogFlags...),
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
)
