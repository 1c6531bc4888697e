package main

import (
	"context"
	"log"
	"os"

	"github.com/hydrotel/edge-agent/internal/config"
	"github.com/hydrotel/edge-agent/internal/deadletter"
	"github.com/hydrotel/edge-agent/internal/health"
	"github.com/hydrotel/edge-agent/internal/identity"
	"github.com/hydrotel/edge-agent/internal/provision"
	"github.com/hydrotel/edge-agent/internal/runtime"
	"github.com/hydrotel/edge-agent/internal/session"
	"github.com/hydrotel/edge-agent/internal/telemetry"
	"github.com/hydrotel/edge-agent/internal/twin"
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := cfg.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime.SetupGracefulShutdown(cancel, logger)

	id, err := identity.Load(cfg.IdentityPath, cfg.IdentityPassphrase, logger)
	if err != nil {
		logger.Fatalf("identity phase failed: %v", err)
	}
	logger.Printf("identity: using %s (thumbprint %s)", id.Subject, id.Thumbprint)

	requester := provision.NewMQTTRequester(cfg.BootstrapBrokerURL, cfg.BootstrapClientID, id.TLSConfig(), cfg.ProvisionTimeout, logger)
	cred, err := provision.NewAgent(requester, cfg.BootstrapClientID, logger).Register(ctx, id)
	if err != nil {
		logger.Fatalf("provisioning phase failed: %v", err)
	}

	sess := session.NewMQTTSession(cred, cfg.MQTTQoS, cfg.MQTTKeepAlive, logger)
	if err := sess.Open(ctx); err != nil {
		logger.Fatalf("telemetry phase failed: open session: %v", err)
	}
	defer sess.Close()

	twinMgr := twin.NewManager(sess, logger)
	if err := twinMgr.Start(ctx); err != nil {
		logger.Fatalf("telemetry phase failed: %v", err)
	}

	locations, err := telemetry.LoadLocations(cfg.LocationsPath)
	if err != nil {
		logger.Fatalf("telemetry phase failed: %v", err)
	}
	source, err := telemetry.OpenSource(cfg.TelemetryPath)
	if err != nil {
		logger.Fatalf("telemetry phase failed: %v", err)
	}
	defer source.Close()

	loop := telemetry.NewLoop(source, locations, sess, twinMgr, cred.DeviceID, logger)
	if len(cfg.DeadLetterBrokers) > 0 {
		spool := deadletter.NewSpool(cfg.DeadLetterBrokers, cfg.DeadLetterTopic, logger)
		defer spool.Close()
		loop.SetDeadLetter(spool)
	}

	go health.NewReporter(sess, cred.DeviceID, cfg.HeartbeatInterval, logger).Run(ctx)

	if err := loop.Run(ctx); err != nil {
		logger.Fatalf("telemetry phase failed: %v", err)
	}
	logger.Println("telemetry complete, closing session")
}
