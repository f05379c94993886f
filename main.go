package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"boxaudit/internal/batch"
	"boxaudit/internal/boxapi"
	"boxaudit/internal/config"
	"boxaudit/internal/db"
	"boxaudit/internal/logging"
	"boxaudit/internal/server"
)

func main() {
	importFiles := flag.String("import", "", "comma-separated admin-console CSV exports to ingest instead of the API")
	month := flag.String("month", "", "regenerate monthly summaries for YYYY-MM and exit")
	serve := flag.Bool("serve", false, "run the report viewer instead of the batch")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.Init(cfg.LogLevel, cfg.LogFormat)
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatal("failed to create output directories", zap.Error(err))
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()

	switch {
	case *serve:
		srv, err := server.New(cfg, store)
		if err != nil {
			log.Fatal("viewer setup failed", zap.Error(err))
		}
		if err := srv.Run(); err != nil {
			log.Fatal("viewer stopped", zap.Error(err))
		}

	case *importFiles != "":
		runner := batch.New(cfg, store, nil)
		paths := strings.Split(*importFiles, ",")
		if err := runner.RunImport(paths); err != nil {
			log.Fatal("csv import failed", zap.Error(err))
		}

	case *month != "":
		runner := batch.New(cfg, store, nil)
		if err := runner.RunMonthly(*month); err != nil {
			log.Fatal("monthly summary failed", zap.Error(err))
		}

	default:
		var box *boxapi.Client
		if err := cfg.ValidateBox(); err != nil {
			log.Warn("API source not configured, running against stored events", zap.Error(err))
		} else {
			box, err = boxapi.NewClient(cfg.BoxConfigPath)
			if err != nil {
				log.Fatal("failed to load API credentials", zap.Error(err))
			}
			if err := box.Verify(ctx); err != nil {
				log.Fatal("API authentication failed", zap.Error(err))
			}
		}

		runner := batch.New(cfg, store, box)
		if err := runner.Run(ctx); err != nil {
			log.Error("batch finished with errors", zap.Error(err))
			logging.Sync()
			os.Exit(1)
		}
		log.Info("batch finished")
	}
}
