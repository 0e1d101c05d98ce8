// aura-sim runs a deterministic end-to-end scenario against the simulation
// effects: bootstrap an account, run a DKG, produce a threshold signature,
// and authorize a journal read through a capability. The same seed always
// produces the same run.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hxrts/aura/bridge"
	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/ceremony"
	"github.com/hxrts/aura/cmd/flags"
	"github.com/hxrts/aura/effects"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/storage"
)

var seedFlag = &cli.Uint64Flag{
	Name:  "seed",
	Value: 1,
	Usage: "deterministic seed for the simulated effects",
}

var devicesFlag = &cli.IntFlag{
	Name:  "devices",
	Value: 3,
	Usage: "number of simulated devices",
}

var thresholdFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "signing threshold among the simulated devices",
}

func main() {
	app := &cli.App{
		Name:   "aura-sim",
		Usage:  "Run a deterministic account scenario end to end",
		Flags:  append([]cli.Flag{seedFlag, devicesFlag, thresholdFlag}, flags.CommonFlags...),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	seed := cCtx.Uint64(seedFlag.Name)
	n := cCtx.Int(devicesFlag.Name)
	m := cCtx.Int(thresholdFlag.Name)

	eff, clock := effects.Simulation(seed, nil, storage.NewMemoryBackend(), logger)
	cfg := interfaces.DefaultConfig()
	ctx := context.Background()

	var account interfaces.AccountID
	copy(account[:], eff.Rand.Bytes(16))
	j := journal.New(account, eff, cfg)
	logger.Info("Simulation starting", "seed", seed, "account", account.String(), "devices", n, "threshold", m)

	pub, priv, err := eff.Crypto.GenerateSigningKey()
	if err != nil {
		return err
	}
	authority := interfaces.AuthorityID(eff.Crypto.Hash("aura/device/authority/v1", pub))
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

	devices := make([]interfaces.DeviceID, n)
	genesisOps := make([]journal.FactOp, 0, n)
	for i := range devices {
		copy(devices[i][:], eff.Rand.Bytes(16))
		genesisOps = append(genesisOps, journal.FactOp{
			Op: journal.OpPut, Predicate: journal.DevicePredicate(devices[i]), Value: journal.MemberValue(pub, authority),
		})
	}
	genesis := j.NextEvent(authority, "account.init", genesisOps, 1)
	if err := committer.Sign(genesis); err != nil {
		return err
	}
	if _, err := j.Append(ctx, genesis); err != nil {
		return err
	}

	rt := ceremony.NewRuntime(eff, cfg, j)

	dkg, err := rt.RunDKG(ctx, committer, ceremony.DKGParams{Participants: devices, Context: "simulation", Epoch: 1})
	if err != nil {
		logger.Error("DKG failed", "err", err)
		return err
	}
	logger.Info("DKG complete", "session", dkg.Session.String(), "fingerprint", dkg.Fingerprint.String())
	clock.Advance(time.Second)

	groupPub, shares, err := eff.Threshold.Deal(m, n)
	if err != nil {
		return err
	}
	signers := make(map[interfaces.DeviceID]interfaces.ThresholdShare, m)
	for i := 0; i < m; i++ {
		signers[devices[i]] = shares[i]
	}
	sig, err := rt.RunThresholdSign(ctx, committer, ceremony.SignParams{
		GroupPub:  groupPub,
		Threshold: m,
		Signers:   signers,
		Message:   []byte("simulated account statement"),
		Epoch:     1,
	})
	if err != nil {
		logger.Error("Threshold signing failed", "err", err)
		return err
	}
	logger.Info("Threshold signature produced", "session", sig.Session.String(), "valid", sig.Valid, "signers", len(sig.Participants))
	clock.Advance(time.Second)

	engine := capability.NewEngine(eff, j, cfg)
	b := bridge.New(eff, j, engine, committer)

	fact := j.NextEvent(authority, "app.write", []journal.FactOp{
		{Op: journal.OpPut, Predicate: "app/motd", Value: journal.String("simulation says hello")},
	}, 1)
	if err := committer.Sign(fact); err != nil {
		return err
	}
	if _, err := j.Append(ctx, fact); err != nil {
		return err
	}

	token, _, err := capability.Issue(eff, authority, priv, devices[0], "journal://*", []string{capability.PermRead}, 0, 2)
	if err != nil {
		return err
	}
	out, err := b.Execute(ctx, bridge.Request{
		Operation:           bridge.OpReadFact,
		Resource:            "journal://" + account.String() + "/app/motd",
		RequiredPermissions: []string{capability.PermRead},
		Subject:             devices[0],
		Proof:               token,
	})
	if err != nil {
		logger.Error("Authorization failed", "err", err)
		return err
	}
	logger.Info("Authorization decided", "allowed", out.Decision.Allowed, "facts", len(out.Facts))

	metrics := rt.Metrics()
	logger.Info("Simulation finished",
		"events", len(j.Events()),
		"root", j.RootCommitment().String(),
		"sessionsOpened", metrics.SessionsOpened.Load(),
		"sessionsCompleted", metrics.SessionsCompleted.Load(),
		"sessionsAborted", metrics.SessionsAborted.Load(),
	)
	return nil
}
