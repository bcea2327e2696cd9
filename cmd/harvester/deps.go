package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/spec-harvester/convergence/internal/automation"
	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/embedding"
	"github.com/spec-harvester/convergence/internal/evidenceindex"
	"github.com/spec-harvester/convergence/internal/extraction"
	"github.com/spec-harvester/convergence/internal/fetch"
	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/learning"
	"github.com/spec-harvester/convergence/internal/llmclient"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/roundctl"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

// runtime bundles every long-lived handle buildDependencies opens, so
// callers can close them deterministically once the command is done.
type runtime struct {
	cfg      *config.Config
	db       *store.DB
	tables   *config.OperatorTables
	renderer *fetch.BrowserRenderer
	deps     roundctl.Dependencies
}

func (r *runtime) Close() {
	if r.renderer != nil {
		_ = r.renderer.Close()
	}
	if r.tables != nil {
		_ = r.tables.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

// buildDependencies loads config and operator tables, opens the shared
// SQLite handle, and wires every component the Round Controller needs. It
// is the single assembly point every subcommand (run, resume, explain)
// shares, mirroring the teacher's per-command component wiring in
// cmd_campaign.go, generalized into one shared builder instead of being
// duplicated per command.
func buildDependencies(contract types.CategoryContract) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	logging.Configure(logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}, filepath.Join(workspace, "logs"))

	dbPath := cfg.Storage.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, filepath.Base(dbPath))
	}
	db, err := store.Open(dbPath, cfg.Storage.RequireVecExt)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}

	tables, err := config.LoadOperatorTables(hostTable, lexiconFile, adapterFile)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load operator tables: %w", err)
	}

	engCfg := embedding.Config{Provider: cfg.Storage.EmbeddingProvider}
	if engCfg.Provider == "ollama" {
		d := embedding.DefaultConfig()
		engCfg.OllamaEndpoint, engCfg.OllamaModel = d.OllamaEndpoint, d.OllamaModel
	}
	eng, err := embedding.NewEngine(engCfg)
	if err != nil {
		logger.Warn("embedding engine disabled", zap.Error(err))
		eng = nil
	}

	fr := frontier.New(db)
	renderer := fetch.NewBrowserRenderer("", 20*time.Second)
	scheduler := fetch.New(fetch.Config{
		MinHostInterval: cfg.Lanes.Fetch.MinHostInterval,
		PerHostInFlight: cfg.Lanes.Fetch.PerHostInFlight,
		Timeout:         cfg.Lanes.Fetch.Timeout,
	}, fr, renderer)

	index := evidenceindex.New(db, eng)
	queue := automation.New(db, fr)
	learningStore := learning.New(db)

	var llm *llmclient.Client
	if cfg.LLM.Provider == "genai" {
		llm, err = llmclient.New(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			logger.Warn("llm client disabled", zap.Error(err))
			llm = nil
		}
	}

	extractors := extraction.BuildExtractors(tables, nil, llm)

	// Bus is left nil: Controller.Run mints its own run ID and its own Bus
	// scoped to it internally. Pre-building a Bus here would stamp events
	// with a different ID than the one Run puts on the returned
	// RunSummary, since Run's ID generation isn't parameterizable from the
	// outside.
	rt := &runtime{cfg: cfg, db: db, tables: tables, renderer: renderer}
	rt.deps = roundctl.Dependencies{
		Config:     cfg,
		Contract:   contract,
		Tables:     tables,
		Index:      index,
		Frontier:   fr,
		Fetcher:    scheduler,
		Queue:      queue,
		Learning:   learningStore,
		LLM:        llm,
		Extractors: extractors,
	}
	return rt, nil
}
