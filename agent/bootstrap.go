// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/voxlink/voxlink/archive"
	"github.com/voxlink/voxlink/audio"
	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/extsvc"
	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/config"
	"github.com/voxlink/voxlink/lib/sealed"
	"github.com/voxlink/voxlink/pairing"
	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/router"
	"github.com/voxlink/voxlink/tools/local"
	"github.com/voxlink/voxlink/transport"
)

// Files under the state directory.
const (
	keypairFile  = "agent.key"
	devicesFile  = "devices.db"
	auditLogFile = "audit.db"
)

// Bootstrap assembles an Agent from cfg: the sealing keypair, CA,
// trust store, audit store, optional archive, external services, and
// tool executors. The returned cleanup releases all of them.
func Bootstrap(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*Agent, func(), error) {
	if cfg.Services.TranscriberURL == "" || cfg.Services.InterpreterURL == "" {
		return nil, nil, errors.New("services.transcriber_url and services.interpreter_url are required")
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, nil, err
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("releasing agent resource", "error", err)
			}
		}
	}
	fail := func(err error) (*Agent, func(), error) {
		cleanup()
		return nil, nil, err
	}

	keypair, err := sealed.LoadOrCreateKeypair(filepath.Join(cfg.Paths.State, keypairFile))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, keypair.Close)

	ca, created, err := pairing.LoadOrCreateCA(cfg.Paths.State, keypair, clk)
	if err != nil {
		return fail(fmt.Errorf("loading CA: %w", err))
	}
	closers = append(closers, ca.Close)
	if created {
		logger.Info("created agent CA", "fingerprint", ca.Fingerprint())
	}

	store, err := pairing.OpenTrustStore(pairing.TrustStoreConfig{
		Path:      filepath.Join(cfg.Paths.State, devicesFile),
		CacheSize: cfg.Pairing.TrustCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, store.Close)

	auditStore, err := audit.OpenStore(audit.StoreConfig{
		Path:   filepath.Join(cfg.Paths.State, auditLogFile),
		Logger: logger,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, auditStore.Close)
	sink := audit.Multi(audit.NewLogSink(logger), auditStore)

	authority := pairing.NewAuthority(ca, store, pairing.Config{
		TicketTTL:           cfg.Pairing.TicketTTL,
		MaxDevices:          cfg.Pairing.MaxDevices,
		MaxAttempts:         cfg.Pairing.MaxAttempts,
		CertificateValidity: cfg.Pairing.CertificateValidity,
		Clock:               clk,
		Logger:              logger,
		Audit:               sink,
	})

	catalog, err := router.LoadCatalog(cfg.Tools.CatalogFile, cfg.Tools.ProtectedPaths)
	if err != nil {
		return fail(fmt.Errorf("loading tool catalog: %w", err))
	}

	httpClient := &http.Client{Timeout: cfg.Services.RequestTimeout}
	services := Services{
		Transcriber: extsvc.NewTranscriber(httpClient, cfg.Services.TranscriberURL),
		Interpreter: extsvc.NewInterpreter(httpClient, cfg.Services.InterpreterURL),
		Catalog:     catalog,
		Executors:   executors(cfg, httpClient, logger),
		AuditLog:    auditStore,
	}

	if cfg.Archive.Enabled {
		compression, err := archive.ParseCompression(cfg.Archive.Compression)
		if err != nil {
			return fail(err)
		}
		key, err := archive.LoadOrCreateKey(cfg.Archive.Dir, keypair)
		if err != nil {
			return fail(err)
		}
		segments, err := archive.New(archive.Config{
			Dir:         cfg.Archive.Dir,
			Compression: compression,
			Clock:       clk,
			Logger:      logger,
		}, key)
		if err != nil {
			key.Close()
			return fail(err)
		}
		closers = append(closers, segments.Close)
		services.Archive = segments
	}

	agent, err := New(authority, services, Config{
		ServerNames:         cfg.Listen.ServerNames,
		CertificateValidity: cfg.Pairing.CertificateValidity,
		HandshakeTimeout:    cfg.Session.HandshakeTimeout,
		ContextWindow:       cfg.Pipeline.ContextWindow,
		ContextTTL:          cfg.Pipeline.ContextTTL,
		Session: transport.SessionConfig{
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			HeartbeatMisses:   cfg.Session.HeartbeatMisses,
			InboundBuffer:     cfg.Session.InboundBuffer,
			OutboundBuffer:    cfg.Session.OutboundBuffer,
		},
		Audio: audio.Config{
			JitterTolerance: cfg.Audio.JitterTolerance,
			GapThreshold:    cfg.Audio.GapThreshold,
			MaxSegmentBytes: cfg.Audio.MaxSegmentBytes,
			MaxOpenSegments: cfg.Audio.MaxOpenSegments,
		},
		Pipeline: pipeline.Config{
			ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
			ConfirmationTimeout: cfg.Pipeline.ConfirmationTimeout,
			TranscribeTimeout:   cfg.Pipeline.TranscribeTimeout,
			TranscribeRetries:   cfg.Pipeline.TranscribeRetries,
			TranscribeBackoff:   cfg.Pipeline.TranscribeBackoff,
			InterpretTimeout:    cfg.Pipeline.InterpretTimeout,
			RetryAttempts:       cfg.Pipeline.InterpreterRetry.Attempts,
			RetryBackoff:        cfg.Pipeline.InterpreterRetry.Backoff,
			RetryQueueSize:      cfg.Pipeline.InterpreterRetry.QueueSize,
			MaxInFlight:         cfg.Pipeline.MaxInFlight,
		},
		Router: router.Config{
			MaxConcurrent: cfg.Tools.MaxConcurrent,
			MaxRetries:    maxRetries(cfg.Tools.MaxRetries),
			RetryBackoff:  cfg.Tools.RetryBackoff,
		},
		Clock:  clk,
		Logger: logger,
		Audit:  sink,
	})
	if err != nil {
		return fail(err)
	}
	return agent, cleanup, nil
}

// executors picks in-process or HTTP tool executors.
func executors(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) map[router.Family]router.Executor {
	if cfg.Tools.Executor == "remote" {
		return map[router.Family]router.Executor{
			router.FamilySystem:  extsvc.NewExecutor(httpClient, cfg.Services.SystemExecutorURL),
			router.FamilyBrowser: extsvc.NewExecutor(httpClient, cfg.Services.BrowserExecutorURL),
		}
	}
	return map[router.Family]router.Executor{
		router.FamilySystem:  local.NewSystem(logger.With("executor", "system")),
		router.FamilyBrowser: local.NewBrowser(logger.With("executor", "browser")),
	}
}

// maxRetries maps the config's "0 means none" onto the router's "0
// means default".
func maxRetries(configured int) int {
	if configured == 0 {
		return -1
	}
	return configured
}
