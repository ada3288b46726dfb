package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/redis/go-redis/v9"

	"grade-bot/api/internal/config"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/handle"
	"grade-bot/api/internal/httpserver"
	"grade-bot/api/internal/imagestore"
	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/llm/gemini"
	"grade-bot/api/internal/llm/openai"
	"grade-bot/api/internal/locator"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/ocr"
	"grade-bot/api/internal/ocr/yandex"
	"grade-bot/api/internal/preprocess"
	"grade-bot/api/internal/retry"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/store"
	"grade-bot/api/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logx.Init(cfg.LogLevel, cfg.LogPretty)

	// Платформенный PORT приоритетнее конфига
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}

	// --- Postgres ---
	dsn := cfg.DSN()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logx.Fatal().Err(err).Msg("sql.Open")
	}
	// пул под нагрузку до ~20 rps
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logx.Fatal().Err(err).Msg("db.Ping")
		}
		logx.Info().Str("db", safeDSNSummary(dsn)).Msg("db connected")
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

	// --- LLM-движки ---
	var gem *gemini.Engine
	var oai *openai.Engine
	if cfg.GeminiAPIKey != "" {
		gem = gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	if cfg.OpenAIAPIKey != "" {
		oai = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	def := defaultEngine(cfg.DefaultEngine, gem, oai)
	manager := llm.NewManager(def)

	// --- Параллелизм процесса ---
	limiter := limits.New(cfg.VisionSlots, cfg.LLMSlots)
	pool := limits.NewPool(cfg.ToolPoolSize)

	// --- Конвейер подготовки страниц ---
	loc := locator.New(cfg.LocatorBaseURL, cfg.LocatorTimeout)
	pipeline := preprocess.New(sliceRepo, loc, uploader, limiter, cfg.PreprocessDisabled, cfg.SliceCacheMaxAge)

	ocrReg := buildOCRRegistry(cfg, def)

	toolset := grader.NewToolset(grader.ToolsetDeps{
		Pipeline:    pipeline,
		Locator:     loc,
		Slices:      sliceRepo,
		OCR:         ocrReg,
		CacheMaxAge: cfg.SliceCacheMaxAge,
	})

	orcCfg := grader.Config{
		MaxIterations:       cfg.MaxIterations,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		RunTimeout:          cfg.RunTimeout,
		StageTimeout:        cfg.StageTimeout,
		AggregatorReserve:   cfg.AggregatorReserve,
		TokenBudget:         cfg.TokenBudget,
	}
	newRunner := func(eng llm.Engine) telegram.Runner {
		return grader.New(grader.Deps{
			Engine:        eng,
			Limiter:       limiter,
			Pool:          pool,
			Toolset:       toolset,
			Pipeline:      pipeline,
			Uploader:      uploader,
			Checkpointer:  check,
			PreferDataURI: uploader.Name() == "inline",
			Config:        orcCfg,
		})
	}
	runners := map[string]telegram.Runner{}
	if gem != nil {
		runners[gem.Name()] = newRunner(gem)
	}
	if oai != nil {
		runners[oai.Name()] = newRunner(oai)
	}

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		logx.Fatal().Err(err).Msg("telegram")
	}
	bot.Debug = false

	r := &telegram.Router{
		Bot:         bot,
		Runners:     runners,
		EngManager:  manager,
		Engines:     telegram.Engines{Gemini: gem, OpenAI: oai},
		Results:     resultRepo,
		CacheMaxAge: cfg.ResultCacheMaxAge,
	}

	// HTTP того же процесса: /v1/grade, /healthz, /metrics
	h := handle.New(handle.Deps{
		Runner:      runners[def.Name()],
		Results:     resultRepo,
		DB:          db,
		Engine:      def.Name(),
		Model:       def.GetModel(),
		CacheMaxAge: cfg.ResultCacheMaxAge,
	})

	addr := "0.0.0.0:" + cfg.Port
	if whURL := strings.TrimSpace(cfg.WebhookURL); whURL != "" {
		startWebhookMode(addr, bot, r, h, whURL)
	} else {
		startPollingMode(addr, bot, r, h)
	}
}

// ---------------- Modes -----------------

func startWebhookMode(addr string, bot *tgbotapi.BotAPI, r *telegram.Router, h *handle.Handle, baseURL string) {
	// секретный путь вебхука
	path := "/webhook/" + shortHash(bot.Token)
	public := strings.TrimRight(baseURL, "/") + path

	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		logx.Fatal().Err(err).Msg("webhook url")
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		logx.Fatal().Err(err).Msg("webhook register")
	}

	// ListenForWebhook регистрирует обработчик на DefaultServeMux
	updates := bot.ListenForWebhook(path)

	go func() {
		for upd := range updates {
			r.HandleUpdate(upd)
		}
		logx.Warn().Msg("webhook updates channel closed")
	}()

	logx.Info().Str("path", path).Msg("webhook mode")
	if err := httpserver.StartHTTP(addr, h); err != nil {
		logx.Fatal().Err(err).Msg("http")
	}
}

func startPollingMode(addr string, bot *tgbotapi.BotAPI, r *telegram.Router, h *handle.Handle) {
	go func() {
		if err := httpserver.StartHTTP(addr, h); err != nil {
			logx.Fatal().Err(err).Msg("http")
		}
	}()

	// устойчивый поллинг с backoff, без os.Exit
	runPolling(context.Background(), bot, r.HandleUpdate)
}

// ---------------- Polling loop -----------------

func runPolling(ctx context.Context, bot *tgbotapi.BotAPI, handleUpd func(tgbotapi.Update)) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		select {
		case <-ctx.Done():
			logx.Warn().Msg("polling: context cancelled")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30 // long polling timeout (sec)

		updates, err := bot.GetUpdates(u)
		if err != nil {
			d := retry.RetryAfterHint(err)
			if d < baseDelay {
				d = baseDelay
			}
			if d > maxDelay {
				d = maxDelay
			}
			logx.Warn().Err(err).Dur("retry_in", d).Msg("polling error")
			time.Sleep(d)
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handleUpd(upd)
		}

		if len(updates) == 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

// ---------------- Helpers -----------------

func defaultEngine(name string, gem *gemini.Engine, oai *openai.Engine) llm.Engine {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpt", "openai":
		if oai != nil {
			return oai
		}
	}
	if gem != nil {
		return gem
	}
	return oai
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

func shortHash(s string) string {
	// лёгкий хэш для пути вебхука (не крипто, но стабильно для токена)
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xF]
		h >>= 4
	}
	return string(out)
}

func safeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	user := u.User.Username()
	host := u.Host
	port := ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, user)
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, user)
}
