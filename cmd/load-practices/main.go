package main

import (
	"context"
	"flag"
	"time"

	"github.com/labcontrol-io/platform/pkg/common/config"
	"github.com/labcontrol-io/platform/pkg/common/database"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/studies"
)

func main() {
	logger.Init("load-practices")
	cfg := config.Load()

	path := flag.String("catalog", cfg.PracticeCatalogPath, "path to the practice catalog YAML file")
	flag.Parse()

	if *path == "" {
		logger.Log.Fatal("no catalog file given, set -catalog or PRACTICE_CATALOG_PATH")
	}

	catalog, err := studies.LoadCatalog(*path)
	if err != nil {
		logger.Log.WithError(err).WithField("path", *path).Fatal("failed to load practice catalog")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	repo := studies.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate study tables")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	created, updated, err := repo.SeedCatalog(ctx, catalog)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to seed practices")
	}

	logger.Log.WithFields(map[string]interface{}{
		"created": created,
		"updated": updated,
		"total":   len(catalog.Practices),
	}).Info("practice catalog loaded")

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}
}
