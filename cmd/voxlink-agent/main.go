// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Voxlink-agent is the host daemon. It listens for one mutual-TLS voice
// session at a time, turns speech into tool invocations, and reports
// command status back to the client.
//
// Three listeners run side by side:
//   - the session listener (listen.address), TLS with optional client
//     certificates so unpaired devices can enroll
//   - the readiness endpoint (listen.status_address), plain HTTP GET
//     /status polled by clients after a wake-on-LAN
//   - the admin socket (paths.admin_socket), CBOR actions for pairing
//     tickets, device listing, revocation, and status
//
// Configuration comes from --config or VOXLINK_CONFIG.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/voxlink/voxlink/agent"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/config"
	"github.com/voxlink/voxlink/lib/logging"
	"github.com/voxlink/voxlink/lib/process"
	"github.com/voxlink/voxlink/lib/service"
	"github.com/voxlink/voxlink/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to voxlink.yaml (default: $VOXLINK_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("voxlink-agent %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	voxAgent, cleanup, err := agent.Bootstrap(cfg, logger.Logger, clock.Real())
	if err != nil {
		return err
	}
	defer cleanup()

	sessionListener, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	statusListener, err := net.Listen("tcp", cfg.Listen.StatusAddress)
	if err != nil {
		sessionListener.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Listen.StatusAddress, err)
	}

	socketServer := service.NewSocketServer(cfg.Paths.AdminSocket, logger.Logger)
	voxAgent.RegisterAdmin(socketServer)

	logger.Info("voxlink agent starting",
		"environment", cfg.Environment,
		"address", sessionListener.Addr().String(),
		"status_address", statusListener.Addr().String(),
		"admin_socket", cfg.Paths.AdminSocket,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return voxAgent.Serve(groupCtx, sessionListener) })
	group.Go(func() error { return voxAgent.ServeStatus(groupCtx, statusListener) })
	group.Go(func() error { return socketServer.Serve(groupCtx, nil) })

	err = group.Wait()
	logger.Info("voxlink agent stopped")
	return err
}

// loadConfig reads path, or VOXLINK_CONFIG when path is empty, and
// validates the result.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
