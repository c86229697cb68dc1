package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/docuflow/docuflow/internal/config"
	"github.com/docuflow/docuflow/internal/engine"
	"github.com/docuflow/docuflow/internal/forms"
	"github.com/docuflow/docuflow/internal/infrastructure"
	"github.com/docuflow/docuflow/internal/records"
)

func main() {
	var (
		modelID = flag.String("model", "", "Extraction model identifier (required)")
		prefix  = flag.String("prefix", "", "Process every document under this storage prefix")
		force   = flag.Bool("force", false, "Re-admit dead-lettered forms and reset their retry budget")
	)
	flag.Parse()

	if *modelID == "" {
		log.Fatal("missing required -model flag")
	}
	if *prefix == "" && flag.NArg() == 0 {
		log.Fatal("nothing to process: pass source blob keys or -prefix")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed:", err)
	}

	infra, err := infrastructure.New(cfg)
	if err != nil {
		log.Fatal("infrastructure init failed:", err)
	}

	infra.Logger.Info(
		"docuflow starting",
		"version", cfg.Version,
		"env", cfg.Env(),
		"model", *modelID,
	)

	if err := infra.Start(); err != nil {
		log.Fatal("infrastructure start failed:", err)
	}
	infra.Lifecycle.WaitForStartup()
	infra.Lifecycle.NotifyOnSignal()

	failed, err := run(infra, cfg, *modelID, *prefix, *force, flag.Args())
	if err != nil {
		infra.Logger.Error("run failed", "error", err)
	}

	if shutdownErr := infra.Lifecycle.Shutdown(cfg.ShutdownTimeoutDuration()); shutdownErr != nil {
		infra.Logger.Error("shutdown incomplete", "error", shutdownErr)
	}

	if err != nil || failed {
		os.Exit(1)
	}
}

func run(
	infra *infrastructure.Infrastructure,
	cfg *config.Config,
	modelID, prefix string,
	force bool,
	args []string,
) (failed bool, err error) {
	ctx := infra.Lifecycle.Context()

	sources := args
	if prefix != "" {
		listed, err := infra.Storage.List(ctx, prefix)
		if err != nil {
			return false, fmt.Errorf("list sources: %w", err)
		}
		sources = append(sources, filterSources(listed)...)
	}

	splitter := forms.NewSplitter(infra.Storage, infra.Logger)
	store := records.New(infra.Database.Connection(), infra.Logger)
	eng := engine.New(
		cfg.Engine,
		splitter,
		infra.Extractor,
		store,
		infra.Storage,
		infra.Notifier,
		infra.Logger,
	)

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	for _, source := range sources {
		if ctx.Err() != nil {
			infra.Logger.Info("shutdown requested, skipping remaining documents")
			break
		}

		summary, err := eng.Process(ctx, engine.Request{
			SourceFile: source,
			ModelID:    modelID,
			Force:      force,
		})
		if err != nil {
			infra.Logger.Error("document processing failed", "source_file", source, "error", err)
			failed = true
			continue
		}

		if summary.FormsProcessed < summary.TotalForms {
			failed = true
		}
		if err := out.Encode(summary); err != nil {
			return failed, fmt.Errorf("write summary: %w", err)
		}
	}

	return failed, nil
}

// filterSources drops engine-owned artifacts so a broad prefix never
// re-ingests split forms or dead-letter copies.
func filterSources(keys []string) []string {
	sources := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, "forms/") || strings.HasPrefix(key, "deadletter/") {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(key), ".pdf") {
			continue
		}
		sources = append(sources, key)
	}
	return sources
}
