package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/media-scribe/internal/api"
	"github.com/snarg/media-scribe/internal/audio"
	"github.com/snarg/media-scribe/internal/config"
	"github.com/snarg/media-scribe/internal/database"
	"github.com/snarg/media-scribe/internal/ingest"
	"github.com/snarg/media-scribe/internal/jobs"
	"github.com/snarg/media-scribe/internal/metrics"
	"github.com/snarg/media-scribe/internal/mqttclient"
	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/segment"
	"github.com/snarg/media-scribe/internal/storage"
	"github.com/snarg/media-scribe/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var (
		overrides   config.Overrides
		once        oneShot
		showVersion bool
	)
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.STTModel, "model", "", "speech-to-text model (overrides STT_MODEL)")
	flag.StringVar(&overrides.TranscriptDir, "transcript-dir", "", "local transcript directory (overrides TRANSCRIPT_DIR)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "drop folder to watch (overrides WATCH_DIR)")
	flag.StringVar(&once.file, "file", "", "transcribe one file, write the transcript and exit")
	flag.StringVar(&once.output, "o", "", "with -file: write the transcript here instead of stdout")
	flag.StringVar(&once.format, "format", "txt", "with -file: txt, json or xlsx")
	flag.BoolVar(&once.timestamps, "timestamps", false, "with -file: request per-utterance timestamps")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger. One-shot mode keeps stdout for the transcript.
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := os.Stdout
	if once.file != "" {
		out = os.Stderr
	}
	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("media-scribe starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pipeline components
	prober := audio.NewProber(cfg.FFprobePath)
	enc := audio.NewCompressor(cfg.FFmpegPath)
	client := transcribe.NewClient(transcribe.Config{
		URL:      cfg.STTURL,
		APIKey:   cfg.STTAPIKey,
		Model:    cfg.STTModel,
		Language: cfg.STTLanguage,
		Timeout:  cfg.STTTimeout,
	}, log)
	pipeOpts := pipeline.Options{
		Segment: segment.Options{
			Target:       cfg.ChunkTargetDuration,
			Floor:        cfg.ChunkMinDuration,
			ShrinkFactor: cfg.ChunkShrinkFactor,
			Tiers:        cfg.Tiers(),
			Ceiling:      cfg.SizeCeiling(),
		},
		ScratchDir:   cfg.ScratchDir,
		CallInterval: cfg.CallInterval,
		ChunkWorkers: cfg.ChunkWorkers,
		ChunkTimeout: cfg.ChunkCallTimeout,
	}
	log.Info().
		Int64("ceiling", cfg.SizeCeiling()).
		Dur("target", cfg.ChunkTargetDuration).
		Dur("floor", cfg.ChunkMinDuration).
		Str("tiers", cfg.CompressionTiers).
		Int("chunk_workers", cfg.ChunkWorkers).
		Msg("pipeline configured")

	if !prober.Available() || !enc.Available() {
		if once.file != "" {
			log.Fatal().Str("ffmpeg", cfg.FFmpegPath).Str("ffprobe", cfg.FFprobePath).Msg("ffmpeg and ffprobe are required")
		}
		log.Warn().Str("ffmpeg", cfg.FFmpegPath).Str("ffprobe", cfg.FFprobePath).Msg("ffmpeg or ffprobe not found; jobs will fail until installed")
	}

	if once.file != "" {
		orch := pipeline.New(prober, enc, client, pipeOpts, pipeline.Hooks{
			OnStatus: metrics.Recorder{}.JobStatus,
			OnChunk:  once.progress(log),
		}, log)
		os.Exit(once.run(ctx, cfg, orch, log))
	}

	// Database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.Database(), dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := db.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		if n, err := db.FailStaleJobs(ctx, startTime); err != nil {
			log.Warn().Err(err).Msg("failed to mark stale jobs")
		} else if n > 0 {
			log.Warn().Int64("jobs", n).Msg("marked jobs interrupted by a previous run as failed")
		}
	}

	// Transcript archive
	storeLog := log.With().Str("component", "storage").Logger()
	store, err := storage.New(cfg.S3, cfg.TranscriptDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transcript storage")
	}
	archiver := storage.NewArchiver(store, cfg.JobQueueSize, storeLog)
	archiver.Start(2)

	// MQTT (optional)
	var mq *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mq, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
	}

	// Job pool
	observers := []jobs.Observer{metrics.Recorder{}, archiver}
	if db != nil {
		observers = append(observers, db)
	}
	if mq != nil {
		observers = append(observers, mq)
	}
	pool := jobs.NewPool(jobs.Options{
		Workers:   cfg.JobWorkers,
		QueueSize: cfg.JobQueueSize,
		Defaults:  cfg.JobDefaults(),
		Observers: observers,
		Log:       log,
	})
	pool.Start(pipeline.New(prober, enc, client, pipeOpts, pool.Hooks(), log))

	var pgPool *pgxpool.Pool
	if db != nil {
		pgPool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pgPool, pool))

	// Drop folder (optional)
	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(pool, ingest.Options{
			Dir:        cfg.WatchDir,
			Extensions: cfg.WatchExtensions,
			Backfill:   true,
			Log:        log,
		})
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start file watcher")
		}
	}

	// HTTP Server
	apiOpts := api.Options{
		Jobs:        pool,
		Transcripts: store,
		Tools:       map[string]api.Tool{"ffmpeg": enc, "ffprobe": prober},
		Version:     version,
		StartTime:   startTime,
	}
	if db != nil {
		apiOpts.History = db
	}
	if mq != nil {
		apiOpts.MQTT = mq
	}
	if watcher != nil {
		apiOpts.Watcher = watcher
	}
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, apiOpts, httpLog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("http server error")
	}

	// Producers first, then the pool, then its observers.
	if watcher != nil {
		watcher.Stop()
	}
	pool.Stop()
	archiver.Stop()
	if mq != nil {
		mq.Close()
	}
	if db != nil {
		db.Close()
	}

	log.Info().Msg("media-scribe stopped")
}
