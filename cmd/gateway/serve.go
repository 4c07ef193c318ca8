// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jinterlante1206/ollama-gateway/internal/aggregator"
	"github.com/jinterlante1206/ollama-gateway/internal/dispatcher"
	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/gwhttp"
	"github.com/jinterlante1206/ollama-gateway/internal/metrics"
	"github.com/jinterlante1206/ollama-gateway/internal/reconciler"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/internal/scheduler"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `serve reads the routing document named by NODE_CONFIG_FILE, runs an
initial synchronous health/inventory sweep so the gateway never serves
traffic against an empty node registry, then starts accepting requests on
GATEWAY_PORT using the SCHEDULING_STRATEGY load-balancing policy.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload the routing document automatically when it changes on disk")
}

func runServe(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}
	configPath := gwconfig.ResolveConfigPath(projectRoot, os.Getenv("NODE_CONFIG_FILE"))
	strategy := envOr("SCHEDULING_STRATEGY", "round_robin")
	port := envOr("GATEWAY_PORT", "8080")

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "gateway"})

	shutdownTracing := initTracing("ollama-gateway")
	defer shutdownTracing(context.Background())

	backupsDir := filepath.Join(filepath.Dir(configPath), "backups")
	store := gwconfig.NewStore(configPath, backupsDir, strategy, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("loading routing document: %w", err)
	}
	if watchConfig {
		if err := store.WatchForChanges(); err != nil {
			logger.Warn("could not start config file watcher", "error", err.Error())
		}
	}
	defer store.Close()

	nodes := registry.New()
	sched := scheduler.New(strategy)
	m := metrics.New(prometheus.DefaultRegisterer)
	recon := reconciler.New(store, nodes, logger)

	logger.Info("running initial health and inventory sweep")
	recon.SweepOnce(context.Background())

	dispatch := dispatcher.New(store, nodes, sched, m, logger)
	agg := aggregator.New(store, nodes, logger)

	router := gwhttp.NewRouter(&gwhttp.Handlers{
		Config:     store,
		Nodes:      nodes,
		Dispatch:   dispatch,
		Aggregator: agg,
		Logger:     logger,
		ConfigPath: configPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go recon.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down gateway")
		cancel()
		os.Exit(0)
	}()

	addr := ":" + port
	logger.Info("gateway listening", "address", addr, "strategy", strategy, "config", configPath)
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
