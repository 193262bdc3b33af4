package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/config"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/coordinator"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/escrowd"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/oracle"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/resolver"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/settlement"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "Path to optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := logging.NewComponentLogger("swap-operator", version)
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.SetLevel(cfg.LogLevel)
	logger := logging.NewComponentLogger("swap-operator", version)
	logger.Info().Str("version", version).Msg("Starting swap operator")

	ctx := context.Background()

	tracked := pool.NewTrackedKeys(cfg.TrackedKeysFile, logger.Child("tracked-keys"))
	backend := pool.NewGraphQLBackend(pool.GraphQLBackendConfig{
		Endpoint:       cfg.L1GraphQLEndpoint,
		ProverEndpoint: cfg.ProverEndpoint,
		PoolAddress:    cfg.L1PoolAddress,
		OperatorKey:    cfg.OperatorPrivateKey,
		Fee:            cfg.L1TxFee,
	}, logger.Child("pool"))
	poolClient := pool.NewClient(backend, tracked, logger.Child("pool"))

	ports := escrowd.NewPortAllocator(cfg.L2BasePort, cfg.L2PortRange)
	daemons := escrowd.NewClient(cfg.L2DaemonBaseURL, cfg.L2OperatorToken, ports, logger.Child("escrowd"))

	prices := oracle.New(cfg.OracleURL, cfg.OracleKey, cfg.OracleTTL, logger.Child("oracle"))

	book, err := resolver.New(ctx, cfg.ResolverURL, cfg.ResolverKey, logger.Child("resolver"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the keypair store")
	}
	defer book.Close()

	coord := coordinator.New(coordinator.Config{
		PollInterval: cfg.PollInterval,
		SlippageBps:  cfg.OracleSlippageBps,
	}, poolClient, daemons, prices, book, logger.Child("coordinator"))

	if err := coord.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize coordinator")
	}

	settler := settlement.NewWorker(backend, cfg.SettlementInterval, cfg.SettlementMinActions, logger.Child("settlement"))
	admin := NewAdminServer(cfg.AdminPort, coord, poolClient, daemons, logger.Child("admin"))

	coord.Start(ctx)
	settler.Start(ctx)
	admin.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")
	admin.Stop()
	settler.Stop()
	coord.Stop()
	logger.Info().Msg("Shutdown complete")
}
