package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/util"
)

// runGrade — кэш → оркестратор → ответ в чат. Предмет в боте неизвестен,
// ключ кэша — с пустым subject.
func (r *Router) runGrade(ctx context.Context, chatID int64, merged []byte) {
	eng := r.engineFor(chatID)
	imgHash := util.SHA256Hex(merged)

	if r.Results != nil {
		if row, err := r.Results.FindByHash(ctx, imgHash, "", eng.Name(), eng.GetModel(), r.CacheMaxAge); err == nil {
			r.reply(chatID, row.Result)
			return
		}
	}

	run, ok := r.Runners[eng.Name()]
	if !ok {
		r.send(chatID, "⚠️ Движок "+eng.Name()+" недоступен для проверки.")
		return
	}

	r.send(chatID, "⏳ Проверяю работу…")
	sessionID := uuid.NewString()
	res := run.Run(ctx, grader.Request{
		SessionID: sessionID,
		ChatID:    chatID,
		Images:    [][]byte{merged},
	})

	if r.Results != nil && res.Status == grade.StatusDone {
		_ = r.Results.Upsert(ctx, chatID, sessionID, imgHash, "", eng.Name(), eng.GetModel(), res)
	}
	r.reply(chatID, res)
}

// reply шлёт свёртку вердиктов и вешает кнопку «Подробнее», если есть что раскрывать.
func (r *Router) reply(chatID int64, res grade.Result) {
	lastResults.Store(chatID, res)
	msg := tgbotapi.NewMessage(chatID, formatResult(res))
	if len(res.Results) > 0 {
		msg.ReplyMarkup = makeDetailsKeyboard()
	}
	_, _ = r.Bot.Send(msg)
}
