package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grade-bot/api/internal/grade"
)

// Кнопка разбора по заданиям
func makeDetailsKeyboard() tgbotapi.InlineKeyboardMarkup {
	btn := tgbotapi.NewInlineKeyboardButtonData("Подробнее", "details")
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(btn))
}

func verdictIcon(v string) string {
	switch v {
	case grade.VerdictCorrect:
		return "✅"
	case grade.VerdictIncorrect:
		return "❌"
	default:
		return "❓"
	}
}

// formatResult — короткая свёртка для чата: вердикт на строку плюс итог.
func formatResult(res grade.Result) string {
	switch res.Status {
	case grade.StatusRejected:
		msg := "⚠️ Не похоже на домашнюю работу."
		if res.Reason != "" {
			msg += "\n" + res.Reason
		}
		return msg
	case grade.StatusFailed:
		return "😔 Не получилось проверить. Попробуйте прислать фото ещё раз."
	}

	var b strings.Builder
	b.WriteString("📊 Проверил:\n\n")
	correct := 0
	for i, it := range res.Results {
		if it.Verdict == grade.VerdictCorrect {
			correct++
		}
		fmt.Fprintf(&b, "%s %d) %s\n", verdictIcon(it.Verdict), i+1, clampLine(it.Question, 80))
	}
	if len(res.Results) > 0 {
		fmt.Fprintf(&b, "\nВерно: %d из %d.\n", correct, len(res.Results))
	} else {
		b.WriteString("Заданий на фото не нашёл.\n")
	}
	if s := strings.TrimSpace(res.Summary); s != "" {
		b.WriteString("\n" + s)
	}
	if res.NeedsReview {
		b.WriteString("\n\n❓ Есть сомнения — лучше перепроверить вручную.")
	}
	return b.String()
}

// formatDetails — развёрнутый разбор по заданиям для кнопки «Подробнее».
func formatDetails(res grade.Result) string {
	if len(res.Results) == 0 {
		return "Подробностей нет."
	}
	var b strings.Builder
	for i, it := range res.Results {
		fmt.Fprintf(&b, "%s %d) %s\n", verdictIcon(it.Verdict), i+1, it.Question)
		if a := strings.TrimSpace(it.StudentAnswer); a != "" {
			b.WriteString("Ответ: " + a + "\n")
		}
		if len(it.Basis) > 0 {
			b.WriteString("Основание: " + strings.Join(it.Basis, "; ") + "\n")
		}
		if c := strings.TrimSpace(it.Comment); c != "" {
			b.WriteString(c + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clampLine(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
