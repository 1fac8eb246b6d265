// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/ecgbridge/internal/config"
	"github.com/Thermoquad/ecgbridge/internal/httpserver"
	"github.com/Thermoquad/ecgbridge/internal/logging"
	"github.com/Thermoquad/ecgbridge/internal/metrics"
	"github.com/Thermoquad/ecgbridge/pkg/session"
)

const shutdownTimeout = 10 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device session and the web dashboard",
	Long: `Open the device link, decode ECG samples, battery readings and pulse
oximeter sequences, and serve them over HTTP.

Endpoints:
  /                     dashboard
  /data.json            long-poll for samples newer than ?last_sample=
  /data.cbor            same report, CBOR encoded
  /ws                   websocket stream of reports
  /status.json          current status and retained samples
  /healthz, /readyz     liveness and readiness
  /metrics              Prometheus metrics

The process exits when the device session ends. There is no reconnect.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default from config, :4567)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)

	srv := httpserver.New(httpOptions(cfg, reg, appMetrics, logger))
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	conn, connInfo, err := openConnection(ctx, cfg)
	if err != nil {
		shutdown(srv, logger)
		return err
	}

	sess, err := session.New(conn, session.Config{
		Port:       connInfo,
		MaxSamples: cfg.Buffer.MaxSamples,
		LEDNode:    uint8(cfg.Device.LEDNode),
		LEDPin:     uint8(cfg.Device.LEDPin),
		Logger:     logger,
		Observer:   appMetrics,
	})
	if err != nil {
		conn.Close()
		shutdown(srv, logger)
		return err
	}
	srv.SetSource(sess)

	err = sess.Run(ctx)
	srv.SetSource(nil)
	shutdown(srv, logger)

	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("device session ended: %w", err)
}

func httpOptions(cfg *config.Config, reg *prometheus.Registry, rec httpserver.PullRecorder, logger *zap.Logger) httpserver.Options {
	opts := httpserver.Options{
		HTTP:     cfg.HTTP,
		Recorder: rec,
		Logger:   logger,
	}
	if cfg.Metrics.Enable {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = metrics.Handler(reg)
	}
	return opts
}

func shutdown(srv *httpserver.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
