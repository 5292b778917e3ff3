// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wagate runs a multi-tenant WhatsApp gateway: it keeps one live
// protocol session per registered instance, exposes an HTTP API for pairing,
// status and outbound sends, and forwards inbound messages to a backend
// webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mau.fi/util/random"

	"github.com/aiku/wagate/pkg/authcode"
	"github.com/aiku/wagate/pkg/config"
	"github.com/aiku/wagate/pkg/credstore"
	"github.com/aiku/wagate/pkg/httpapi"
	"github.com/aiku/wagate/pkg/instance"
	"github.com/aiku/wagate/pkg/registry"
	"github.com/aiku/wagate/pkg/wameow"
	"github.com/aiku/wagate/pkg/webhook"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath    = flag.String("config", "config.yaml", "config file path")
	writeExample  = flag.Bool("example-config", false, "print the example config and exit")
	version       = flag.Bool("version", false, "print the version and exit")
	shutdownGrace = 10 * time.Second
)

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("wagate %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(config.ExampleConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = random.String(32)
		log.Warn().Str("api_key", apiKey).Msg("No API key configured, generated one for this run")
	}

	creds, err := credstore.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up credential store")
	}
	dispatcher, err := webhook.NewDispatcher(cfg.Webhook.URLTemplate, cfg.Webhook.Timeout(), *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid webhook URL template")
	}

	reg := registry.New(registry.Deps{
		Dialer: &wameow.Dialer{
			DataDir:   cfg.DataDir,
			PairPhone: cfg.Protocol.PairPhone,
			Log:       *log,
		},
		Credentials: creds,
		Issuer:      &authcode.QRIssuer{},
		Sink:        dispatcher,
		Log:         *log,
		SessionOptions: instance.Config{
			ReconnectBackoff: cfg.Timeouts.ReconnectBackoff(),
			LogoutGrace:      cfg.Timeouts.LogoutGrace(),
			ArtifactTTL:      cfg.Timeouts.ArtifactTTL(),
		},
	})

	api := httpapi.NewServer(reg, apiKey, cfg.Timeouts.InitialDeadline(), *log)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	reg.Close()
	dispatcher.Flush()
	log.Info().Msg("Shutdown complete")
}
