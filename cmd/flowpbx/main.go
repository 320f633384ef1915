package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/flowpbx-core/internal/config"
	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/metrics"
	"github.com/flowpbx/flowpbx-core/internal/prompts"
	"github.com/flowpbx/flowpbx-core/internal/recording"
	sipserver "github.com/flowpbx/flowpbx-core/internal/sip"
	"github.com/flowpbx/flowpbx-core/internal/voicemail"
)

// recordingMaxAge is how long bridged-call recordings are kept on disk.
const recordingMaxAge = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowpbx",
		"sip_port", cfg.SIPPort,
		"rtp_port_min", cfg.RTPPortMin,
		"rtp_port_max", cfg.RTPPortMax,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Extract embedded system prompts to data directory on first boot.
	if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
		slog.Error("failed to extract system prompts", "error", err)
		os.Exit(1)
	}
	resolver := prompts.NewResolver(cfg.PromptDir, cfg.DataDir)

	// External collaborators: in-memory reference implementations. A
	// production deployment substitutes its own ExtensionRegistry,
	// VoicemailSink, and CDRSink here.
	registry := directory.NewMemoryRegistry()
	vmStore := directory.NewMemoryVoicemail()
	cdrs := directory.NewMemoryCDR()

	if cfg.ExtensionsFile != "" {
		n, err := directory.LoadProvisionFile(cfg.ExtensionsFile, registry, vmStore)
		if err != nil {
			slog.Error("failed to load extensions file",
				"path", cfg.ExtensionsFile,
				"error", err,
			)
			os.Exit(1)
		}
		slog.Info("extensions provisioned", "count", n, "path", cfg.ExtensionsFile)
	} else {
		slog.Warn("no extensions file configured; registry starts empty")
	}

	vmService := voicemail.NewService(vmStore, resolver, voicemail.Config{
		DataDir:          cfg.DataDir,
		MaxRecordSeconds: cfg.VoicemailMaxRecordSecs,
		DTMFPayloadType:  cfg.DTMFPayloadType,
		DebounceMs:       cfg.DTMFDebounceMs,
	}, slog.Default())

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, registry, cdrs, vmService)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Voicemail retention cleanup: delete messages older than per-box retention.
	voicemail.StartCleanupTicker(appCtx, vmStore, 1*time.Hour)

	// Recording retention cleanup: delete bridged-call recordings past their age cap.
	recording.StartCleanupTicker(appCtx, cfg.DataDir, recordingMaxAge, 1*time.Hour)

	// Prometheus metrics over HTTP, when enabled.
	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(
			sipSrv.Calls(),
			registry,
			cdrs,
			sipSrv.Sessions(),
			vmStore,
			time.Now(),
		))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			slog.Info("metrics listener starting", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics listener stopped", "error", err)
			}
		}()
	}

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	appCancel()
	sipSrv.HangupAll("shutdown")
	sipSrv.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	slog.Info("flowpbx stopped")
}
