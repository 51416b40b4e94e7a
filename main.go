package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/persistence"
	"github.com/wfunc/partyserver/server"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger.Init(cfg.Log.Level, cfg.Log.Development)
	defer logger.Sync()

	// Initialize Database
	db, err := persistence.Open(cfg.Database)
	if err != nil {
		logger.Log.Fatalf("Failed to open %s database: %v", cfg.Database.Driver, err)
	}
	defer db.Close()
	logger.Log.Infof("Database %s ready.", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gameServer := server.NewGameServer(cfg, db)
	logger.Log.Infof("Starting party server on %s", cfg.Server.HTTPAddress)
	if err := gameServer.Run(ctx); err != nil {
		logger.Log.Errorf("Server stopped: %v", err)
		os.Exit(1)
	}
	logger.Log.Info("Server stopped.")
}
