// Package flags holds the CLI flags and setup helpers shared by the aura
// binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/hxrts/aura/common"
	"github.com/hxrts/aura/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

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

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.Config {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.Config{
		ListenAddr:               listenAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the authorization API",
}

var PeerListenAddrFlag = &cli.StringFlag{
	Name:  "peer-listen-addr",
	Value: "127.0.0.1:9090",
	Usage: "address to listen on for peer WebSocket connections",
}

var AccountFlag = &cli.StringFlag{
	Name:     "account",
	Required: true,
	Usage:    "account identifier. 32-char hex string",
}

var DeviceFlag = &cli.StringFlag{
	Name:     "device",
	Required: true,
	Usage:    "this device's identifier. 32-char hex string",
}

var DeviceKeyFlag = &cli.StringFlag{
	Name:     "device-key",
	Required: true,
	Usage:    "hex-encoded Ed25519 signing key for this device",
}

var ChannelKeyFlag = &cli.StringFlag{
	Name:     "channel-key",
	Required: true,
	Usage:    "hex-encoded shared key authenticating transport frames between the account's devices",
}

var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("mem://"),
	Usage: "journal storage backend URIs (mem://, file:///path, s3://..., ipfs://..., vault://...); multiple URIs replicate",
}

var PeerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "known peer as DEVICEHEX=ws://host:port, repeatable",
}

var SyncIntervalFlag = &cli.Int64Flag{
	Name:  "sync-interval-seconds",
	Value: 30,
	Usage: "seconds between anti-entropy rounds against connected peers",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "aura",
	Usage: "add 'service' tag to logs",
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

var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
}
