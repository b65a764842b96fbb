package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"echo-forge-go/internal/cache"
	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/config"
	"echo-forge-go/internal/dataset"
	"echo-forge-go/internal/extractor"
	"echo-forge-go/internal/history"
	"echo-forge-go/internal/logger"
	"echo-forge-go/internal/media"
	"echo-forge-go/internal/pipeline"
	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/transcription"
	"echo-forge-go/internal/types"
	"echo-forge-go/internal/videosource"
	"echo-forge-go/internal/watcher"
	"echo-forge-go/pkg/executor"
)

// finished jobs stay queryable in memory this long; after that only
// history has them
const jobMemory = 24 * time.Hour

func main() {
	_ = godotenv.Load() // loads .env

	cfg, err := config.Load(envOr("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.New().WithError(err).Fatal("invalid configuration")
	}
	log := logger.NewWithLevel(cfg.Logging.Level, logFormat(cfg), os.Stdout)
	log.WithField("service", "echo-forge-go").Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.Storage.DBPath, log.Entry)
	if err != nil {
		log.WithError(err).Fatal("failed to open history store")
	}
	defer store.Close()
	log.WithField("db_path", cfg.Storage.DBPath).Info("history store ready")
	if cfg.Storage.InputRoot == "" {
		log.Warn("no input root configured; path inputs will be rejected")
	}

	results := cache.New(cfg.Engine.CacheEntries)
	warmCache(ctx, log, store, results, cfg.Engine.CacheEntries)

	deps, analyzer := buildDeps(cfg, log, store, results)
	sched, err := pipeline.New(pipeline.Options{
		Concurrency: cfg.Engine.Concurrency,
		ChunkFanout: cfg.Engine.ChunkFanout,
		Defaults:    cfg.Defaults,
		Models:      cfg.Analysis.Models,
	}, deps)
	if err != nil {
		log.WithError(err).Fatal("failed to build scheduler")
	}
	sched.Start(ctx)

	go sweep(ctx, log, cfg, store, sched)

	if cfg.Watch.Inbox != "" {
		if err := startWatcher(ctx, log, cfg.Watch.Inbox, sched); err != nil {
			log.WithError(err).Fatal("failed to start inbox watcher")
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      newServer(cfg, log, sched, store, analyzer).routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", srv.Addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server terminated")
	}
	sched.Stop()
}

// buildDeps wires the providers. The analyzer is returned as well because
// the HTTP surface uses it for translations.
func buildDeps(cfg *config.Config, log *logger.Logger, store *history.Store, results *cache.Cache) (pipeline.Deps, *extractor.Analyzer) {
	policy := retry.Policy{
		MaxAttempts:    cfg.Defaults.RetryBudget,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Jitter:         cfg.Retry.Jitter,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}

	var speech transcription.Provider
	if cfg.Transcription.Provider == "mock" {
		speech = transcription.NewMockProvider()
	} else {
		speech = transcription.NewHTTPProvider(cfg.Transcription.BaseURL, cfg.Transcription.APIKey, cfg.Transcription.Model)
	}

	var llm extractor.Provider
	switch cfg.Analysis.Provider {
	case "mock":
		llm = extractor.NewMockProvider()
	case "gemini":
		llm = extractor.NewGeminiProvider(cfg.Analysis.GeminiAPIKey)
	default:
		llm = extractor.NewGatewayProvider(cfg.Analysis.GatewayURL, cfg.Analysis.APIKey)
	}
	analyzer := extractor.NewAnalyzer(llm, policy, log.Component("analysis"))
	if cfg.Analysis.Provider == "gateway" && cfg.Analysis.GeminiAPIKey != "" {
		analyzer.Route("gemini-", extractor.NewGeminiProvider(cfg.Analysis.GeminiAPIKey))
	}
	log.WithField("transcription", speech.Name()).WithField("analysis", llm.Name()).Info("providers configured")

	exec := executor.New()
	deps := pipeline.Deps{
		Chunker:     chunker.New(time.Duration(cfg.Engine.MaxChunkSeconds)*time.Second, cfg.Engine.MaxChunkBytes),
		Transcriber: transcription.NewAdapter(speech, policy, log.Component("transcription")),
		Analyzer:    analyzer,
		Fetcher: videosource.NewAdapter(
			videosource.NewYTDLP(cfg.VideoSource.Binary, cfg.VideoSource.TempDir, exec),
			policy, log.Component("videosource")),
		Cache:   results,
		History: store,
		Log:     log.Entry,
	}
	if cfg.Media.FFmpegBinary != "" {
		deps.Converter = media.NewConverter(cfg.Media.FFmpegBinary, "", exec, log.Entry)
	}
	return deps, analyzer
}

// warmCache preloads the newest history results so restarts keep serving
// cache hits.
func warmCache(ctx context.Context, log *logger.Logger, store *history.Store, c *cache.Cache, n int) {
	entries, err := store.Recent(ctx, n)
	if err != nil {
		log.WithError(err).Warn("cache warm-up skipped")
		return
	}
	recent := make([]*types.Result, len(entries))
	for i := range entries {
		recent[i] = &entries[i].Result
	}
	log.WithField("entries", c.Warm(recent)).Info("result cache warmed")
}

// sweep applies history retention and forgets old in-memory jobs on every
// tick of the sweep interval.
func sweep(ctx context.Context, log *logger.Logger, cfg *config.Config, store *history.Store, sched *pipeline.Scheduler) {
	ticker := time.NewTicker(cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		now := time.Now()
		if _, err := store.Sweep(ctx, now, cfg.Retention()); err != nil {
			log.WithError(err).Error("retention sweep failed")
		}
		if n := sched.Prune(now.Add(-jobMemory)); n > 0 {
			log.WithField("jobs", n).Debug("pruned finished jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func startWatcher(ctx context.Context, log *logger.Logger, inbox string, sched *pipeline.Scheduler) error {
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	w, err := watcher.New(inbox, func(ctx context.Context, path string) error {
		if strings.EqualFold(filepath.Ext(path), ".xlsx") {
			inputs, err := dataset.Load(path)
			if err != nil {
				return err
			}
			batch := make([]pipeline.BatchInput, len(inputs))
			for i, in := range inputs {
				batch[i] = pipeline.BatchInput{Input: in}
			}
			for _, item := range sched.SubmitBatch(batch) {
				if item.Error != "" {
					log.WithField("manifest", path).WithField("index", item.Index).Warn(item.Error)
				}
			}
			return nil
		}
		id, err := sched.Submit(types.Input{Kind: types.InputLocal, Path: path, FileName: filepath.Base(path)}, types.Settings{})
		if err != nil {
			return err
		}
		log.WithJob(id).WithField("file", path).Info("inbox file submitted")
		return nil
	}, log.Entry)
	if err != nil {
		return err
	}
	go func() {
		defer w.Stop()
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("inbox watcher stopped")
		}
	}()
	return nil
}

func logFormat(cfg *config.Config) string {
	if env := os.Getenv("ENVIRONMENT"); env != "" && env != "local" {
		return "json"
	}
	return cfg.Logging.Format
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
