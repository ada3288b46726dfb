// Package handle — HTTP-обработчики сервиса проверки. Каждый обработчик
// самодостаточен: валидация входа, дедлайн, вызов проверки, JSON-ответ.
package handle

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/store"
)

// Runner прогоняет одну проверку целиком. В проде это *grader.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req grader.Request) grade.Result
}

// ResultCache — кэш готовых проверок. В проде это *store.ResultRepo.
type ResultCache interface {
	FindByHash(ctx context.Context, imageHash, subject, engine, model string, maxAge time.Duration) (*store.ResultRow, error)
	Upsert(ctx context.Context, chatID int64, sessionID, imageHash, subject, engine, model string, gr grade.Result) error
}

type Handle struct {
	runner      Runner
	results     ResultCache
	db          *sql.DB
	engine      string
	model       string
	cacheMaxAge time.Duration
	httpc       *http.Client
}

type Deps struct {
	Runner  Runner
	Results ResultCache
	DB      *sql.DB

	// Engine/Model — ключ кэша результатов для HTTP-запросов.
	Engine      string
	Model       string
	CacheMaxAge time.Duration

	HTTPClient *http.Client // для скачивания image_urls; nil — клиент по умолчанию
}

func New(d Deps) *Handle {
	h := &Handle{
		runner:      d.Runner,
		results:     d.Results,
		db:          d.DB,
		engine:      d.Engine,
		model:       d.Model,
		cacheMaxAge: d.CacheMaxAge,
		httpc:       d.HTTPClient,
	}
	if h.httpc == nil {
		h.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
