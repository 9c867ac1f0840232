package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"videosearch/ai"
	"videosearch/config"
	"videosearch/jobs"
	"videosearch/logging"
	"videosearch/media"
	"videosearch/metrics"
	"videosearch/pipeline"
	"videosearch/retry"
	"videosearch/search"
	"videosearch/server"
	"videosearch/storage"
)

const queueDepth = 64

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("main", logging.INFO).Errorf("load config: %v", err)
		os.Exit(1)
	}
	log := logging.New("main", logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Errorf("prepare data directories: %v", err)
		os.Exit(1)
	}
	if !cfg.HasValidAPI() {
		log.Warnf("no API key configured, embedding and transcription calls will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, err := storage.NewVectorStore(ctx, cfg, logging.New("storage", logging.ParseLevel(cfg.LogLevel)))
	if err != nil {
		log.Warnf("vector store %q unavailable (%v), falling back to in-memory store", cfg.Store, err)
		store = storage.NewMemoryStore()
	}
	defer store.Close(context.Background())

	jobStore, err := newJobStore(ctx, cfg, log)
	if err != nil {
		log.Errorf("job store: %v", err)
		os.Exit(1)
	}
	defer jobStore.Close(context.Background())

	extractor, err := media.NewFFmpegExtractor(cfg, logging.New("media", logging.ParseLevel(cfg.LogLevel)))
	if err != nil {
		log.Errorf("media extractor: %v", err)
		os.Exit(1)
	}

	svc := ai.NewOpenAIService(cfg, retry.DefaultPolicy(), logging.New("ai", logging.ParseLevel(cfg.LogLevel)))

	queue := jobs.NewWorkerPool(cfg.Workers, queueDepth, cfg.JobTimeout, logging.New("queue", logging.ParseLevel(cfg.LogLevel)))
	orch := jobs.NewOrchestrator(jobStore, queue, m, logging.New("jobs", logging.ParseLevel(cfg.LogLevel)))
	runner := pipeline.NewRunner(cfg, extractor, svc, store, orch, m, logging.New("pipeline", logging.ParseLevel(cfg.LogLevel)))
	orch.SetRunner(runner.Run)

	agg := search.NewAggregator(cfg, svc, store, m, logging.New("search", logging.ParseLevel(cfg.LogLevel)))
	api := server.New(cfg, orch, jobStore, store, agg, registry, logging.New("server", logging.ParseLevel(cfg.LogLevel)))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Routes(),
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		log.Infof("listening on %s (store=%s, job_store=%s, workers=%d)", cfg.ListenAddr, cfg.Store, cfg.JobStore, cfg.Workers)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	queue.Shutdown()
	log.Infof("shutdown complete")
}

func newJobStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (jobs.JobStore, error) {
	switch cfg.JobStore {
	case "postgres":
		return jobs.NewPostgresJobStore(ctx, cfg.PostgresURL, cfg.JobTTL, log)
	default:
		return jobs.NewMemoryJobStore(cfg.JobTTL), nil
	}
}
