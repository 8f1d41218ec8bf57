package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"streamarr/internal/config"
	"streamarr/internal/domain"
	apphttp "streamarr/internal/http"
	"streamarr/internal/indexer"
	"streamarr/internal/pipeline"
	"streamarr/internal/queue"
	"streamarr/internal/ranking"
	"streamarr/internal/repository/sqlite"
	"streamarr/internal/service"
	"streamarr/internal/storage"
	"streamarr/internal/stream"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	torrentRepo := sqlite.NewTorrentRepository(db)
	sourceRepo := sqlite.NewSourceRepository(db)
	stateRepo := sqlite.NewSearchStateRepository(db)

	if err := torrentRepo.Init(ctx); err != nil {
		logger.Fatalf("init torrent repository: %v", err)
	}
	if err := sourceRepo.Init(ctx); err != nil {
		logger.Fatalf("init source repository: %v", err)
	}
	if err := stateRepo.Init(ctx); err != nil {
		logger.Fatalf("init search state repository: %v", err)
	}

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		logger.Fatalf("create download dir: %v", err)
	}

	torrentClient, err := buildTorrentClient(cfg.Download.DataDir)
	if err != nil {
		logger.Fatalf("create torrent client: %v", err)
	}
	defer torrentClient.Close()

	registry := indexer.NewRegistry(indexerConfigs(cfg), indexer.ClientOptions{
		RetryAttempts: cfg.Download.RetryAttempts,
		RetryDelay:    cfg.Download.RetryDelay,
		Logger:        logger,
	}, logger)

	engine := ranking.NewEngine(rankingConfig(cfg))
	metadata := service.NewHTTPMetadataProvider(cfg.Metadata.BaseURL, 0)
	sourceService := service.NewSourceService(sourceRepo, torrentRepo, engine)
	fetcher := pipeline.NewMetadataFetcher(torrentClient, cfg.Download.RetryAttempts, cfg.Download.RetryDelay)

	pipe := pipeline.New(pipeline.Config{
		SearchWorkers:       cfg.Search.Workers,
		ScanWorkers:         cfg.Search.ScanWorkers,
		DownloadWorkers:     cfg.Download.Workers,
		CandidatesPerBucket: cfg.Search.CandidatesPerBucket,
		MaxScanRounds:       cfg.Search.MaxScanRounds,
		EnsureTimeout:       cfg.Search.EnsureTimeout,
		FailureRateStep:     cfg.Queue.FailureRateStep,
		RetryAttempts:       cfg.Download.RetryAttempts,
		RetryDelay:          cfg.Download.RetryDelay,
		ListPriorityCutoff:  cfg.Search.ListPriorityCutoff,
		RetryNoResults:      cfg.Search.RetryNoResults,
		PriorityBackground:  queue.Priority(cfg.Queue.PriorityBackground),
		PriorityNormal:      queue.Priority(cfg.Queue.PriorityNormal),
		PriorityUrgent:      queue.Priority(cfg.Queue.PriorityUrgent),
	}, registry, engine, torrentRepo, stateRepo, sourceService, fetcher, logger)
	pipe.Start(ctx)

	evictor := storage.NewManager(storage.Config{
		QuotaBytes: cfg.Download.QuotaBytes,
		Interval:   cfg.Eviction.Interval,
	}, sourceRepo, logger)

	streams := stream.NewManager(stream.Config{
		DataDir:              cfg.Download.DataDir,
		StopThresholdPercent: cfg.Stream.StopThresholdPercent,
		PersistInterval:      cfg.Stream.PersistInterval,
		CodecPreference:      domain.Codec(cfg.Stream.CodecPreference),
	}, torrentClient, metadata, sourceService, pipe, evictor, logger)
	streams.Start(ctx)

	evictor.BindSessions(streams)
	go evictor.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(streams, pipe, metadata, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	streams.Shutdown()
	pipe.Shutdown()

	logger.Info("bye")
}

func buildTorrentClient(dataDir string) (*torrent.Client, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = false
	return torrent.NewClient(clientConfig)
}

func indexerConfigs(cfg config.Config) []indexer.Config {
	out := make([]indexer.Config, len(cfg.Indexers))
	for i, ic := range cfg.Indexers {
		mediaTypes := make([]domain.MediaType, len(ic.MediaTypes))
		for j, mt := range ic.MediaTypes {
			mediaTypes[j] = domain.MediaType(mt)
		}
		out[i] = indexer.Config{
			Name:       ic.Name,
			BaseURL:    ic.URL,
			APIKey:     ic.APIKey,
			Priority:   ic.Priority,
			MediaTypes: mediaTypes,
			Categories: ic.Categories,
		}
	}
	return out
}

func rankingConfig(cfg config.Config) ranking.Config {
	qualities := make([]domain.Quality, len(cfg.Ranking.QualityOrder))
	for i, q := range cfg.Ranking.QualityOrder {
		qualities[i] = domain.Quality(q)
	}
	codecs := make([]domain.Codec, len(cfg.Ranking.CodecOrder))
	for i, c := range cfg.Ranking.CodecOrder {
		codecs[i] = domain.Codec(c)
	}
	return ranking.Config{
		QualityOrder:       qualities,
		CodecOrder:         codecs,
		Unify10Bit:         cfg.Ranking.Unify10Bit,
		SatisfiedThreshold: cfg.Search.SatisfiedThreshold,
	}
}
