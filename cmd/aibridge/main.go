// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// aibridge is a local gateway that wraps flaky AI CLI tools in a resilience
// layer: session supervision, circuit breaking, retry policy, response
// validation, and unattended self-healing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/admin"
	"github.com/relayforge/aibridge/internal/authgate"
	"github.com/relayforge/aibridge/internal/config"
	"github.com/relayforge/aibridge/internal/logging"
	"github.com/relayforge/aibridge/internal/orchestrator"
	"github.com/relayforge/aibridge/internal/provider"
	"github.com/relayforge/aibridge/internal/selfheal"
	"github.com/relayforge/aibridge/internal/session"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("aibridge", version)
		return
	}

	// Optional; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Debug)
	if cfg.LoggingToFile {
		if err := logging.EnableFileOutput(cfg.LogDir); err != nil {
			log.WithError(err).Warn("file logging unavailable, continuing on stdout")
		}
	}
	defer logging.Close()

	log.WithFields(log.Fields{"version": version, "provider": cfg.Provider}).Info("aibridge starting")

	if err := run(cfg, *configPath); err != nil {
		log.WithError(err).Fatal("aibridge exited with error")
	}
}

func run(cfg *config.Config, configPath string) error {
	defs := provider.Builtins()
	activeDef, err := provider.Lookup(defs, cfg.Provider)
	if err != nil {
		return err
	}

	sessionCfg := session.Config{
		RequestTimeout:      cfg.Session.RequestTimeout.Std(),
		StuckThreshold:      cfg.Session.StuckThreshold.Std(),
		HealthCheckInterval: cfg.Session.HealthCheckInterval.Std(),
		ResponseBufferLimit: cfg.Session.ResponseBufferLimit,
		ToolConfigPath:      cfg.Session.ToolConfig,
	}

	gate := authgate.New(
		authgate.CommandChecker(activeDef.Binary, activeDef.AuthStatusArgs, activeDef.StripEnv),
		cfg.Auth.CheckInterval.Std(),
		cfg.Auth.CheckTimeout.Std(),
		nil, nil,
	)

	registry := provider.NewRegistry(defs, sessionCfg, cfg.Session.SettleDelay.Std(), gate.ReportFailure)
	if _, err := registry.Activate(cfg.Provider, cfg.Model); err != nil {
		return err
	}

	gateway := orchestrator.New(cfg, registry, gate)

	var binaries []string
	for _, def := range defs {
		binaries = append(binaries, def.Binary)
	}
	watchdog := selfheal.New(cfg.SelfHeal, cfg.TempDir, cfg.LogDir, binaries, gateway, gate, nil)
	gateway.OnFailure(watchdog.RecordFailure)

	// Startup auth reading, then the periodic schedules.
	if err := gate.CheckNow(context.Background()); err != nil {
		log.WithError(err).Warn("provider is not authenticated at startup")
	}
	gate.Start()
	watchdog.Start()
	gateway.StartCheckIn()

	stopWatch := make(chan struct{})
	go func() {
		err := config.Watch(configPath, stopWatch, func(next *config.Config) {
			gateway.ApplyConfig(next)
			log.Info("configuration reloaded")
		})
		if err != nil {
			log.WithError(err).Warn("config watcher unavailable")
		}
	}()

	var srv *admin.Server
	errCh := make(chan error, 1)
	if cfg.Admin.Enabled {
		srv = admin.New(cfg, gateway, watchdog)
		go func() { errCh <- srv.Start() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("admin server failed")
		}
	}

	close(stopWatch)
	gate.Stop()
	watchdog.Stop()
	gateway.Shutdown()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("admin server shutdown")
		}
	}
	log.Info("aibridge stopped")
	return nil
}
