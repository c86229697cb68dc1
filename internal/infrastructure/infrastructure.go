// Package infrastructure provides core service initialization for application startup.
// It assembles the shared dependencies (logging, database, storage, extraction,
// notification) that the orchestration engine requires, with no mutable globals:
// everything is passed explicitly to the composition root.
package infrastructure

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/docuflow/docuflow/internal/config"
	"github.com/docuflow/docuflow/internal/extraction"
	"github.com/docuflow/docuflow/internal/notify"
	"github.com/docuflow/docuflow/pkg/database"
	"github.com/docuflow/docuflow/pkg/lifecycle"
	"github.com/docuflow/docuflow/pkg/storage"
)

// Infrastructure holds the core systems the engine composes over.
type Infrastructure struct {
	Lifecycle *lifecycle.Coordinator
	Logger    *slog.Logger
	Database  database.System
	Storage   storage.System
	Extractor *extraction.Client
	Notifier  *notify.Notifier
}

// New creates an Infrastructure from the application configuration.
// It initializes all systems but does not start them; call Start separately.
func New(cfg *config.Config) (*Infrastructure, error) {
	lc := lifecycle.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	store, err := storage.New(&cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	extractor, err := extraction.NewClient(&cfg.Extraction, logger)
	if err != nil {
		return nil, fmt.Errorf("extraction init failed: %w", err)
	}

	notifier, err := notify.New(&cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("notifier init failed: %w", err)
	}

	return &Infrastructure{
		Lifecycle: lc,
		Logger:    logger,
		Database:  db,
		Storage:   store,
		Extractor: extractor,
		Notifier:  notifier,
	}, nil
}

// Start registers all infrastructure systems with the lifecycle coordinator.
func (i *Infrastructure) Start() error {
	if err := i.Database.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("database start failed: %w", err)
	}
	if err := i.Storage.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("storage start failed: %w", err)
	}
	return nil
}
