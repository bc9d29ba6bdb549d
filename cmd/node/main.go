package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/elnosh/paynode/mint"
	"github.com/elnosh/paynode/mint/config"
	"github.com/elnosh/paynode/mint/storage/sqlite"
	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/signer"
	"github.com/joho/godotenv"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	nodeConfig, err := config.GetConfig()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := sqlite.InitSQLite(nodeConfig.DBPath)
	if err != nil {
		log.Fatalf("error setting up database: %v", err)
	}
	defer db.Close()

	signerClient := signer.NewClient(nodeConfig.SignerURL)

	// chain backends plug in per unit through onchain.Backend. The
	// fake backend serves development; production deployments wire
	// their indexer and cashier here.
	backends := make(map[paynet.Unit]onchain.Backend)
	for _, unit := range nodeConfig.Units {
		backends[unit] = onchain.NewFakeBackend(nodeConfig.NodeAddress)
	}

	node, err := mint.LoadMint(db, signerClient, backends, mint.Options{
		Units:       nodeConfig.Units,
		MaxOrder:    nodeConfig.MaxOrder,
		InputFeePpk: nodeConfig.InputFeePpk,
	}, logger)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for unit, backend := range backends {
		correlator := mint.NewCorrelator(node, unit, backend, logger)
		go func() {
			if err := correlator.Run(ctx); err != nil && ctx.Err() == nil {
				log.Fatalf("correlator stopped: %v", err)
			}
		}()
	}

	node.StartPendingSweeper(ctx, mint.SwapPendingMax, mint.SwapPendingMax)

	server := mint.SetupMintServer(node, nodeConfig.Addr(), logger)
	log.Fatal(server.Start())
}
