// Package config — неизменяемая конфигурация процесса. Загружается один раз
// в main и передаётся явно, глобального состояния нет.
package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port      string `envconfig:"PORT" default:"8000"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	// LLM-движки
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiModel   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	DefaultEngine string `envconfig:"DEFAULT_ENGINE" default:"gemini"`

	// Yandex OCR (ocr_fallback)
	YCOAuthToken string `envconfig:"YC_OAUTH_TOKEN"`
	YCFolderID   string `envconfig:"YC_FOLDER_ID"`
	OCRProvider  string `envconfig:"OCR_PROVIDER" default:"yandex"`

	// Удалённый локатор разметки; пустой URL — ярус выключен
	LocatorBaseURL string        `envconfig:"LOCATOR_BASE_URL"`
	LocatorTimeout time.Duration `envconfig:"LOCATOR_TIMEOUT" default:"20s"`

	// Postgres: DATABASE_URL приоритетнее POSTGRES_*
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"gradebot"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	PostgresHost     string `envconfig:"PGHOST" default:"db"`
	PostgresPort     string `envconfig:"PGPORT" default:"5432"`
	PostgresDB       string `envconfig:"POSTGRES_DB" default:"gradebot"`

	// Redis-чекпойнты состояния; пустой URL — выключено
	RedisURL      string        `envconfig:"REDIS_URL"`
	CheckpointTTL time.Duration `envconfig:"CHECKPOINT_TTL" default:"24h"`

	// Хранилище вырезок; пустой bucket — инлайн data:URI
	GCSBucket          string `envconfig:"GCS_BUCKET"`
	GCSCredentialsFile string `envconfig:"GCS_CREDENTIALS_FILE"`
	GCSPrefix          string `envconfig:"GCS_PREFIX" default:"slices"`

	// Telegram
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	WebhookURL       string `envconfig:"WEBHOOK_URL"`

	// Оркестратор
	MaxIterations       int           `envconfig:"GRADER_MAX_ITERATIONS" default:"3"`
	ConfidenceThreshold float64       `envconfig:"GRADER_CONFIDENCE_THRESHOLD" default:"0.75"`
	RunTimeout          time.Duration `envconfig:"GRADER_RUN_TIMEOUT" default:"180s"`
	StageTimeout        time.Duration `envconfig:"GRADER_STAGE_TIMEOUT" default:"45s"`
	AggregatorReserve   time.Duration `envconfig:"GRADER_AGGREGATOR_RESERVE" default:"30s"`
	TokenBudget         int           `envconfig:"GRADER_TOKEN_BUDGET" default:"0"`
	PreprocessDisabled  bool          `envconfig:"PREPROCESS_DISABLED" default:"false"`
	ResultCacheMaxAge   time.Duration `envconfig:"RESULT_CACHE_MAX_AGE" default:"720h"`
	SliceCacheMaxAge    time.Duration `envconfig:"SLICE_CACHE_MAX_AGE" default:"24h"`

	// Параллелизм процесса
	VisionSlots  int64 `envconfig:"VISION_CONCURRENCY" default:"4"`
	LLMSlots     int64 `envconfig:"LLM_CONCURRENCY" default:"8"`
	ToolPoolSize int64 `envconfig:"TOOL_POOL_SIZE" default:"16"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() // .env опционален
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("envconfig: %w", err)
	}
	if cfg.GeminiAPIKey == "" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("no LLM engine configured: set GEMINI_API_KEY or OPENAI_API_KEY")
	}
	return &cfg, nil
}

// DSN собирает строку подключения: DATABASE_URL как есть, иначе из POSTGRES_*.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     net.JoinHostPort(c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
