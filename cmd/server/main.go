// Command server runs the escrowd API, oracle scheduler, deposit watcher
// and solvency monitor.
//
//	server                  run with configuration from the environment
//	server -check-config    validate configuration and exit
//	server -version         print build info and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	checkOnly := flag.Bool("check-config", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "print build info and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("escrowd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}
	if err := run(*checkOnly); err != nil {
		fmt.Fprintln(os.Stderr, "escrowd:", err)
		os.Exit(1)
	}
}

func run(checkOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if checkOnly {
		if _, err := cfg.FeePolicy(); err != nil {
			return fmt.Errorf("fee policy: %w", err)
		}
		fmt.Println("configuration ok")
		return nil
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"chainId", cfg.ChainID,
		"storage", storageKind(cfg),
	)
	server.Version = Version

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}
