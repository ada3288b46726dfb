package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/store"
)

// Runner прогоняет одну проверку. В проде — *grader.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req grader.Request) grade.Result
}

// ResultCache — кэш готовых проверок (store.ResultRepo).
type ResultCache interface {
	FindByHash(ctx context.Context, imageHash, subject, engine, model string, maxAge time.Duration) (*store.ResultRow, error)
	Upsert(ctx context.Context, chatID int64, sessionID, imageHash, subject, engine, model string, gr grade.Result) error
}

type Router struct {
	Bot     *tgbotapi.BotAPI
	Runners map[string]Runner // ключ — llm.Engine.Name()

	// Выбранный движок чата; ключ — fmt.Sprint(chatID), дефолт из конфига.
	EngManager *llm.Manager
	Engines    Engines

	Results     ResultCache
	CacheMaxAge time.Duration
}

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	// callback-кнопки
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	if upd.Message == nil {
		return
	}

	if upd.Message.IsCommand() {
		r.handleCommand(upd)
		return
	}

	// фото
	if len(upd.Message.Photo) > 0 {
		r.acceptPhoto(*upd.Message)
	}
}

func (r *Router) handleCommand(upd tgbotapi.Update) {
	cid := upd.Message.Chat.ID
	switch upd.Message.Command() {
	case "start":
		r.send(cid, "Пришлите фото домашней работы — проверю и отмечу, что решено верно, а что нет.\n"+
			"Если работа на нескольких фото — пришлите их подряд, я склею страницы перед проверкой.\n"+
			"Команды: /health, /engine")
	case "health":
		r.send(cid, "✅ OK")
	case "engine":
		r.handleEngineCommand(cid, upd.Message.Text)
	default:
		r.send(cid, "Неизвестная команда")
	}
}

// handleEngineCommand переключает движок проверки для чата.
// Форматы:
//
//	/engine            — показать текущий
//	/engine gemini
//	/engine gpt
func (r *Router) handleEngineCommand(chatID int64, cmd string) {
	args := strings.Fields(strings.TrimSpace(strings.TrimPrefix(cmd, "/engine")))
	if len(args) == 0 {
		cur := r.engineFor(chatID)
		r.send(chatID, "Текущий движок: "+cur.Name()+" ("+cur.GetModel()+")\n"+
			"Использование: /engine {"+strings.Join(r.Engines.names(), "|")+"}")
		return
	}
	name := strings.ToLower(args[0])
	eng := r.Engines.byName(name)
	if eng == nil {
		r.send(chatID, "Движок "+name+" не настроен. Доступны: "+strings.Join(r.Engines.names(), " | "))
		return
	}
	r.EngManager.Set(fmt.Sprint(chatID), eng)
	r.send(chatID, "✅ Движок: "+eng.Name()+" ("+eng.GetModel()+")")
}

func (r *Router) engineFor(chatID int64) llm.Engine {
	return r.EngManager.Get(fmt.Sprint(chatID))
}

func (r *Router) send(chatID int64, text string) {
	// лимит Telegram на сообщение — 4096, режем с запасом
	if len(text) > 3900 {
		text = text[:3900] + "…"
	}
	msg := tgbotapi.NewMessage(chatID, text)
	_, _ = r.Bot.Send(msg)
}

func (r *Router) SendError(chatID int64, err error) {
	r.send(chatID, fmt.Sprintf("⚠️ Ошибка: %v", err))
}

// PhotoAcceptedText — первый ответ после получения фото/первой страницы альбома.
func (r *Router) PhotoAcceptedText() string {
	return "Фото принял. Если работа на нескольких фото — пришлите их подряд, склею страницы перед проверкой."
}
