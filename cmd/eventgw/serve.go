package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/config"
	"github.com/temscope/eventgw/internal/gateway"
	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/mock"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	mock       bool
	logLevel   string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the HTTP resource routes and the WebSocket event stream.

Without --mock every resource request is acknowledged with plain text.
With --mock requests are forwarded to a simulated microscope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "eventgw.yaml", "Path to config file")
	cmd.Flags().StringVarP(&opts.host, "host", "H", "", "Override server host")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Override server port")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "Serve a simulated microscope")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg, err = config.LoadOrDefault(opts.configPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.mock {
		cfg.Device.Mock = true
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Device.Mock {
		logger.Info("starting in mock mode")
		scope := mock.NewMicroscope()
		scope.Start(ctx)
		gwOpts = append(gwOpts, gateway.WithDevice(scope))
	}

	if err := gateway.New(cfg, gwOpts...).Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}
