// Package budget — общий бюджет одной проверки: дедлайн по часам и необязательный лимит токенов.
package budget

import (
	"encoding/json"
	"time"

	"grade-bot/api/internal/util"
)

type RunBudget struct {
	deadline   time.Time
	total      int // 0 — лимита токенов нет
	tokensUsed int
	exhausted  bool
}

func New(timeout time.Duration, tokenBudget int) *RunBudget {
	if tokenBudget < 0 {
		tokenBudget = 0
	}
	return &RunBudget{
		deadline: time.Now().Add(timeout),
		total:    tokenBudget,
	}
}

func (b *RunBudget) Deadline() time.Time { return b.deadline }

// RemainingSeconds может быть отрицательным после дедлайна.
func (b *RunBudget) RemainingSeconds() float64 {
	return time.Until(b.deadline).Seconds()
}

func (b *RunBudget) IsTimeExhausted() bool {
	return time.Until(b.deadline) <= 0
}

// ConsumeUsage достаёт суммарные токены из usage-записи провайдера (map или
// структура с полем вида total_tokens). Кривой вход — «нет данных», не ошибка.
func (b *RunBudget) ConsumeUsage(usage any) (int, bool) {
	n, ok := totalTokens(usage)
	if !ok || n <= 0 {
		return 0, false
	}
	b.tokensUsed += n
	if b.total > 0 && b.tokensUsed >= b.total {
		b.exhausted = true
	}
	return n, true
}

// IsTokenExhausted монотонен: однажды true — true до конца проверки.
func (b *RunBudget) IsTokenExhausted() bool {
	if b.total == 0 {
		return false
	}
	if b.exhausted {
		return true
	}
	if b.tokensUsed >= b.total {
		b.exhausted = true
	}
	return b.exhausted
}

func (b *RunBudget) TokensUsed() int { return b.tokensUsed }

// EffectiveTimeout — min(stage, остаток − резерв). Может быть ≤ 0: тогда
// LLM-вызов этапа не делается вовсе.
func (b *RunBudget) EffectiveTimeout(stage, reserve time.Duration) time.Duration {
	remaining := time.Until(b.deadline) - reserve
	if remaining < stage {
		return remaining
	}
	return stage
}

var tokenKeys = []string{"total_tokens", "totalTokens", "total_token_count", "TotalTokenCount", "TotalTokens"}

func totalTokens(usage any) (int, bool) {
	if usage == nil {
		return 0, false
	}
	if m, ok := usage.(map[string]any); ok {
		return scanTokens(m)
	}
	// Структуры провайдеров приводим через JSON, чтобы не перечислять типы.
	raw, err := json.Marshal(usage)
	if err != nil {
		return 0, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	return scanTokens(m)
}

func scanTokens(m map[string]any) (int, bool) {
	for _, k := range tokenKeys {
		if v, ok := m[k]; ok {
			if n, ok2 := util.AsInt(v); ok2 {
				return n, true
			}
		}
	}
	return 0, false
}
