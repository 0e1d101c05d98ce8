package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hxrts/aura/bridge"
	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/ceremony"
	"github.com/hxrts/aura/cmd/flags"
	"github.com/hxrts/aura/effects"
	"github.com/hxrts/aura/httpserver"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/storage"
	"github.com/hxrts/aura/transport"
)

const deviceAuthorityDomain = "aura/device/authority/v1"

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.PeerListenAddrFlag,
	flags.AccountFlag,
	flags.DeviceFlag,
	flags.DeviceKeyFlag,
	flags.ChannelKeyFlag,
	flags.StorageFlag,
	flags.PeerFlag,
	flags.SyncIntervalFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "aurad",
		Usage:  "Serve one device's journal, capability bridge, and peer sync",
		Flags:  cliFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := interfaces.DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	account, err := parseAccount(cCtx.String(flags.AccountFlag.Name))
	if err != nil {
		logger.Error("Invalid account", "err", err)
		return err
	}
	device, err := parseDevice(cCtx.String(flags.DeviceFlag.Name))
	if err != nil {
		logger.Error("Invalid device", "err", err)
		return err
	}
	priv, err := hex.DecodeString(cCtx.String(flags.DeviceKeyFlag.Name))
	if err != nil {
		logger.Error("Invalid device key", "err", err)
		return err
	}
	channelKey, err := hex.DecodeString(cCtx.String(flags.ChannelKeyFlag.Name))
	if err != nil || len(channelKey) == 0 {
		logger.Error("Invalid channel key", "err", err)
		return errors.New("channel-key must be non-empty hex")
	}

	// Storage and transport come up first; every other layer reaches them
	// through the effects bundle.
	store, err := storage.NewFactory(logger).MultiBackendFor(cCtx.StringSlice(flags.StorageFlag.Name))
	if err != nil {
		logger.Error("Failed to create storage", "err", err)
		return err
	}

	ws := transport.NewWebSocket(device, cfg, logger)
	for _, spec := range cCtx.StringSlice(flags.PeerFlag.Name) {
		peer, url, err := parsePeer(spec)
		if err != nil {
			logger.Error("Invalid peer", "spec", spec, "err", err)
			return err
		}
		ws.AddPeer(peer, url)
	}
	defer ws.Close()

	eff := effects.Production(ws, store, logger)

	pub, err := eff.Crypto.SigningPublicKey(priv)
	if err != nil {
		logger.Error("Invalid device key", "err", err)
		return err
	}
	authority := interfaces.AuthorityID(eff.Crypto.Hash(deviceAuthorityDomain, pub))
	committer := ceremony.Committer{
		Authority: authority,
		Sign: func(e *journal.Event) error {
			sig, err := eff.Crypto.Sign(priv, e.SignableHash(eff.Crypto).Bytes())
			if err != nil {
				return err
			}
			e.Auth = journal.Authorization{Kind: journal.AuthDevice, Signer: pub, Signature: sig}
			return nil
		},
	}

	logger.Info("Loading journal", "account", account.String(), "storage", store.Name())
	j, err := journal.Load(ctx, account, eff, cfg)
	if err != nil {
		logger.Error("Failed to load journal", "err", err)
		return err
	}
	logger.Info("Journal loaded", "events", len(j.Events()), "root", j.RootCommitment().String())

	engine := capability.NewEngine(eff, j, cfg)
	runtime := ceremony.NewRuntime(eff, cfg, j)

	resumable, aborted, err := runtime.RecoverSessions(ctx, committer)
	if err != nil {
		logger.Error("Session recovery failed", "err", err)
		return err
	}
	if len(resumable) > 0 || aborted > 0 {
		logger.Info("Recovered ceremony sessions", "resumable", len(resumable), "aborted", aborted)
	}

	b := bridge.New(eff, j, engine, committer)

	// Peer plumbing: one codec for frame auth, a replay window per session,
	// a syncer for anti-entropy, and a relay for rendezvous flooding.
	codec := transport.NewCodec(eff.Crypto, channelKey, cfg)
	replays := transport.NewReplayCache(1024)
	syncer := transport.NewSyncer(eff, j, codec, cfg)
	relay := transport.NewRelay(eff, codec, device, func(from interfaces.DeviceID, body []byte) {
		logger.Info("Rendezvous offer delivered", "from", from.String(), "bytes", len(body))
	})

	go receiveLoop(ctx, logger, eff, codec, replays, syncer, relay)
	go syncLoop(ctx, logger, eff, syncer, time.Duration(cCtx.Int64(flags.SyncIntervalFlag.Name))*time.Second)

	peerSrv := &http.Server{
		Addr:        cCtx.String(flags.PeerListenAddrFlag.Name),
		Handler:     ws,
		ReadTimeout: 0,
	}
	go func() {
		logger.Info("Starting peer WebSocket listener", "listenAddress", peerSrv.Addr)
		if err := peerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Peer listener failed", "err", err)
		}
	}()

	handler := httpserver.NewHandler(logger, b, j)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name)), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("aurad is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	srv.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	peerSrv.Shutdown(shutdownCtx)
	logger.Info("Shutdown complete")
	return nil
}

// receiveLoop pumps inbound frames into the syncer and relay. Frames that
// fail authentication or replay checks are dropped.
func receiveLoop(ctx context.Context, logger *slog.Logger, eff *interfaces.Effects, codec *transport.Codec, replays *transport.ReplayCache, syncer *transport.Syncer, relay *transport.Relay) {
	for {
		from, data, err := eff.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		env, err := codec.Open(data)
		if err != nil {
			logger.Debug("Dropping unauthenticated frame", "from", from.String(), "err", err)
			continue
		}
		tag, err := transport.Tag(data)
		if err != nil {
			logger.Debug("Dropping unauthenticated frame", "from", from.String(), "err", err)
			continue
		}
		if !replays.Observe(env.Session, tag) {
			logger.Debug("Dropping replayed frame", "from", from.String())
			continue
		}
		switch env.Kind {
		case transport.KindEvent:
			if _, err := syncer.Handle(ctx, from, env); err != nil {
				logger.Warn("Sync frame failed", "from", from.String(), "err", err)
			}
		case transport.KindRendezvous:
			if err := relay.Handle(ctx, env); err != nil {
				logger.Warn("Rendezvous frame failed", "from", from.String(), "err", err)
			}
		default:
			logger.Debug("Ignoring frame", "kind", env.Kind, "from", from.String())
		}
	}
}

// syncLoop runs anti-entropy against every connected peer on a fixed
// interval.
func syncLoop(ctx context.Context, logger *slog.Logger, eff *interfaces.Effects, syncer *transport.Syncer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range eff.Transport.ConnectedPeers() {
				if err := syncer.RequestFrom(ctx, peer); err != nil {
					logger.Debug("Sync request failed", "peer", peer.String(), "err", err)
				}
			}
		}
	}
}

func parseAccount(s string) (interfaces.AccountID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return interfaces.AccountID{}, err
	}
	return interfaces.NewAccountIDFromBytes(raw)
}

func parseDevice(s string) (interfaces.DeviceID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return interfaces.DeviceID{}, err
	}
	return interfaces.NewDeviceIDFromBytes(raw)
}

func parsePeer(spec string) (interfaces.DeviceID, string, error) {
	idHex, url, ok := strings.Cut(spec, "=")
	if !ok {
		return interfaces.DeviceID{}, "", fmt.Errorf("peer must be DEVICEHEX=ws://host:port, got %q", spec)
	}
	id, err := parseDevice(idHex)
	if err != nil {
		return interfaces.DeviceID{}, "", err
	}
	return id, url, nil
}
