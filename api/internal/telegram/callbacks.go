package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grade-bot/api/internal/grade"
)

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	cid := cb.Message.Chat.ID
	_, _ = r.Bot.Request(tgbotapi.NewCallback(cb.ID, "")) // ack

	switch cb.Data {
	case "details":
		r.onDetails(cid, cb.Message.MessageID)
	}
}

func (r *Router) onDetails(chatID int64, msgID int) {
	v, ok := lastResults.Load(chatID)
	if !ok {
		r.send(chatID, "Подробности недоступны: пришлите фото работы ещё раз.")
		return
	}
	res := v.(grade.Result)

	// убрать клавиатуру, чтобы не нажимали повторно
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, tgbotapi.InlineKeyboardMarkup{})
	_, _ = r.Bot.Send(edit)

	r.send(chatID, formatDetails(res))
}
