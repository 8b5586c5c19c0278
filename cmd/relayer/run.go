// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/luxfi/geth/ethclient"
	"github.com/luxfi/relay/database"
	"github.com/luxfi/relay/indexer"
	"github.com/luxfi/relay/relayer"
	"github.com/luxfi/relay/relayer/config"
	"github.com/luxfi/relay/utils"
	"github.com/luxfi/relay/vms/evm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relayer for every configured link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := config.BuildViper(cmd.Flags())
		if err != nil {
			return fmt.Errorf("couldn't configure flags: %w", err)
		}
		cfg, err := config.NewConfig(v)
		if err != nil {
			return fmt.Errorf("couldn't build config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, &cfg)
	},
}

func init() {
	fs := config.BuildFlagSet()
	// cobra owns --help and --version on the root command.
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == config.ConfigFileKey {
			runCmd.Flags().AddFlag(f)
		}
	})
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = lvl
	return zapConfig.Build()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("couldn't build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("Initializing relayer", zap.String("version", version))

	db, err := database.NewDatabase(logger, cfg.StorageLocation)
	if err != nil {
		logger.Error("Failed to create database", zap.Error(err))
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := relayer.NewLinkMetrics(registry)
	clock := clockwork.NewRealClock()

	links, err := createLinks(ctx, logger, clock, cfg, db, metrics)
	if err != nil {
		return err
	}
	r := relayer.NewRelayer(logger, clock, links)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	apiMux := http.NewServeMux()
	apiMux.Handle("/health", r.HealthHandler())

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux, ReadHeaderTimeout: utils.DefaultRPCTimeout},
		{Addr: fmt.Sprintf(":%d", cfg.APIPort), Handler: apiMux, ReadHeaderTimeout: utils.DefaultRPCTimeout},
	}
	for _, server := range servers {
		go func() {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				logger.Info("Server closed", zap.String("addr", server.Addr))
			} else if err != nil {
				logger.Error("Server exited with error", zap.String("addr", server.Addr), zap.Error(err))
			}
		}()
	}

	logger.Info("Initialization complete")
	err = r.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		_ = server.Shutdown(shutdownCtx)
	}
	logger.Info("Relayer exiting", zap.Error(err))
	return err
}

// createLinks dials every chain and builds one link per configured pair.
// Links that land on the same destination with the same account share a
// submitter so their transactions draw from one nonce sequence; Validate
// guarantees such links agree on every destination setting.
func createLinks(
	ctx context.Context,
	logger *zap.Logger,
	clock clockwork.Clock,
	cfg *config.Config,
	db database.RelayerDatabase,
	metrics *relayer.LinkMetrics,
) ([]*relayer.Link, error) {
	submitters := make(map[config.SenderKey]*evm.DestinationClient)
	links := make([]*relayer.Link, 0, len(cfg.Links))
	for _, linkConfig := range cfg.Links {
		linkLogger := logger.With(zap.String("link", linkConfig.Name))

		sourceClient, err := ethclient.DialContext(ctx, linkConfig.Source.RPCURL)
		if err != nil {
			linkLogger.Error("Failed to dial source rpc endpoint", zap.Error(err))
			return nil, err
		}
		limit := rate.Inf
		if linkConfig.Source.RequestsPerSecond > 0 {
			limit = rate.Limit(linkConfig.Source.RequestsPerSecond)
		}
		source := indexer.New(
			linkLogger,
			sourceClient,
			rate.NewLimiter(limit, 1),
			indexer.Config{
				Station:             linkConfig.Source.GetStationAddress(),
				Domain:              linkConfig.Source.DomainID,
				Version:             linkConfig.Source.GetVersion(),
				ReorgPeriod:         linkConfig.Source.ReorgPeriod,
				MaxBlocksPerRequest: linkConfig.Source.MaxBlocksPerRequest,
			},
		)

		destination := &linkConfig.Destination
		key := destination.GetSenderKey()
		submitter, ok := submitters[key]
		if !ok {
			destinationClient, err := ethclient.DialContext(ctx, destination.RPCURL)
			if err != nil {
				linkLogger.Error("Failed to dial destination rpc endpoint", zap.Error(err))
				return nil, err
			}
			submitter, err = evm.NewDestinationClient(ctx, logger, destinationClient, destination)
			if err != nil {
				return nil, err
			}
			submitters[key] = submitter
		}

		link, err := relayer.NewLink(
			ctx,
			logger,
			clock,
			relayer.LinkConfig{
				Name:              linkConfig.Name,
				SourceDomain:      linkConfig.Source.DomainID,
				DestinationDomain: destination.DomainID,
				Version:           linkConfig.Source.GetVersion(),
				ReorgPeriod:       linkConfig.Source.ReorgPeriod,
				StartBlock:        linkConfig.Source.StartBlock,
				PollInterval:      linkConfig.GetPollInterval(),
				Processor: relayer.ProcessorConfig{
					MaxAttempts:       linkConfig.MaxAttempts,
					InitialBackoff:    linkConfig.GetInitialBackoff(),
					MaxBackoff:        linkConfig.GetMaxBackoff(),
					MaxBatchSize:      linkConfig.MaxBatchSize,
					SubmissionTimeout: destination.GetTxInclusionTimeout() + utils.DefaultRPCTimeout*4,
					// Each message costs one delivery lookup before sending.
					MessageTimeout: utils.DefaultRPCTimeout,
				},
			},
			source,
			submitter,
			db,
			metrics,
		)
		if err != nil {
			linkLogger.Error("Failed to create link", zap.Error(err))
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}
