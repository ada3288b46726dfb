package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/redis/go-redis/v9"

	"grade-bot/api/internal/config"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/handle"
	"grade-bot/api/internal/imagestore"
	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/llm/gemini"
	"grade-bot/api/internal/llm/openai"
	"grade-bot/api/internal/locator"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/metrics"
	"grade-bot/api/internal/ocr"
	"grade-bot/api/internal/ocr/yandex"
	"grade-bot/api/internal/preprocess"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logx.Init(cfg.LogLevel, cfg.LogPretty)

	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}

	// --- Postgres ---
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		logx.Fatal().Err(err).Msg("sql.Open")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logx.Fatal().Err(err).Msg("db.Ping")
		}
	}

	sliceRepo := store.NewSliceRepo(db)
	resultRepo := store.NewResultRepo(db)

	// --- Redis-чекпойнты (опционально) ---
	var check *session.Checkpointer
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logx.Fatal().Err(err).Msg("redis.ParseURL")
		}
		check = session.NewCheckpointer(redis.NewClient(opt), cfg.CheckpointTTL)
	}

	// --- Хранилище вырезок ---
	var uploader imagestore.Uploader = imagestore.Inline{}
	if cfg.GCSBucket != "" {
		gcs, err := imagestore.NewGCS(context.Background(), cfg.GCSBucket, cfg.GCSPrefix, cfg.GCSCredentialsFile)
		if err != nil {
			logx.Fatal().Err(err).Msg("gcs")
		}
		defer gcs.Close()
		uploader = gcs
	}

	eng := buildEngine(cfg)

	limiter := limits.New(cfg.VisionSlots, cfg.LLMSlots)
	pool := limits.NewPool(cfg.ToolPoolSize)

	loc := locator.New(cfg.LocatorBaseURL, cfg.LocatorTimeout)
	pipeline := preprocess.New(sliceRepo, loc, uploader, limiter, cfg.PreprocessDisabled, cfg.SliceCacheMaxAge)

	ocrReg := buildOCRRegistry(cfg, eng)

	orc := grader.New(grader.Deps{
		Engine:  eng,
		Limiter: limiter,
		Pool:    pool,
		Toolset: grader.NewToolset(grader.ToolsetDeps{
			Pipeline:    pipeline,
			Locator:     loc,
			Slices:      sliceRepo,
			OCR:         ocrReg,
			CacheMaxAge: cfg.SliceCacheMaxAge,
		}),
		Pipeline:      pipeline,
		Uploader:      uploader,
		Checkpointer:  check,
		PreferDataURI: uploader.Name() == "inline",
		Config: grader.Config{
			MaxIterations:       cfg.MaxIterations,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			RunTimeout:          cfg.RunTimeout,
			StageTimeout:        cfg.StageTimeout,
			AggregatorReserve:   cfg.AggregatorReserve,
			TokenBudget:         cfg.TokenBudget,
		},
	})

	h := handle.New(handle.Deps{
		Runner:      orc,
		Results:     resultRepo,
		DB:          db,
		Engine:      eng.Name(),
		Model:       eng.GetModel(),
		CacheMaxAge: cfg.ResultCacheMaxAge,
	})

	// фоновая чистка протухших кэшей
	go func() {
		t := time.NewTicker(1 * time.Hour)
		defer t.Stop()
		for range t.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := resultRepo.PurgeOlderThan(ctx, cfg.ResultCacheMaxAge); err != nil {
				logx.Warn().Err(err).Msg("purge results")
			} else if n > 0 {
				logx.Info().Int64("rows", n).Msg("purged stale results")
			}
			if n, err := sliceRepo.PurgeOlderThan(ctx, cfg.SliceCacheMaxAge); err != nil {
				logx.Warn().Err(err).Msg("purge slices")
			} else if n > 0 {
				logx.Info().Int64("rows", n).Msg("purged stale slices")
			}
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/grade", h.Grade)
	mux.HandleFunc("/healthz", h.Healthz)
	mux.Handle("/metrics", metrics.Handler())

	addr := ":" + cfg.Port
	logx.Info().Str("addr", addr).Str("engine", eng.Name()).Msg("grader api listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logx.Fatal().Err(err).Msg("http")
	}
}

func buildEngine(cfg *config.Config) llm.Engine {
	switch strings.ToLower(strings.TrimSpace(cfg.DefaultEngine)) {
	case "gpt", "openai":
		if cfg.OpenAIAPIKey != "" {
			return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		}
	}
	if cfg.GeminiAPIKey != "" {
		return gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel)
}

// buildOCRRegistry: дефолт по OCR_PROVIDER (yandex, если настроен),
// vision-движок всегда доступен как запасной провайдер по имени.
func buildOCRRegistry(cfg *config.Config, def llm.Engine) *ocr.Registry {
	var yx ocr.Provider
	if cfg.YCOAuthToken != "" && cfg.YCFolderID != "" {
		yx = yandex.New(cfg.YCOAuthToken, cfg.YCFolderID)
	}
	var lp ocr.Provider
	if def != nil {
		lp = ocr.NewLLMProvider(def)
	}
	if strings.EqualFold(cfg.OCRProvider, "yandex") && yx != nil {
		return ocr.NewRegistry(yx, lp)
	}
	if lp != nil {
		return ocr.NewRegistry(lp, yx)
	}
	return ocr.NewRegistry(yx)
}
