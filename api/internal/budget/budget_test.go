package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeUsageNil(t *testing.T) {
	b := New(time.Minute, 1000)
	n, ok := b.ConsumeUsage(nil)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, b.TokensUsed())
}

func TestConsumeUsageShapes(t *testing.T) {
	b := New(time.Minute, 0)

	n, ok := b.ConsumeUsage(map[string]any{"total_tokens": 120})
	require.True(t, ok)
	assert.Equal(t, 120, n)

	// Структура в стиле genai.UsageMetadata
	type usageMeta struct {
		PromptTokenCount int32
		TotalTokenCount  int32
	}
	n, ok = b.ConsumeUsage(usageMeta{PromptTokenCount: 10, TotalTokenCount: 55})
	require.True(t, ok)
	assert.Equal(t, 55, n)

	// Число строкой
	n, ok = b.ConsumeUsage(map[string]any{"total_tokens": "25"})
	require.True(t, ok)
	assert.Equal(t, 25, n)

	assert.Equal(t, 200, b.TokensUsed())
}

func TestConsumeUsageMalformed(t *testing.T) {
	b := New(time.Minute, 100)
	for _, bad := range []any{
		map[string]any{"prompt_tokens": 10},
		map[string]any{"total_tokens": "не число"},
		"совсем не usage",
		42,
	} {
		_, ok := b.ConsumeUsage(bad)
		assert.False(t, ok, "вход %v", bad)
	}
	assert.Equal(t, 0, b.TokensUsed())
	assert.False(t, b.IsTokenExhausted())
}

func TestTokenExhaustionMonotonic(t *testing.T) {
	b := New(time.Minute, 100)
	assert.False(t, b.IsTokenExhausted())

	_, ok := b.ConsumeUsage(map[string]any{"total_tokens": 100})
	require.True(t, ok)
	assert.True(t, b.IsTokenExhausted())

	// Дальнейшие пустые отчёты не сбрасывают исчерпание
	_, ok = b.ConsumeUsage(nil)
	assert.False(t, ok)
	assert.True(t, b.IsTokenExhausted())
}

func TestNoTokenBudget(t *testing.T) {
	b := New(time.Minute, 0)
	b.ConsumeUsage(map[string]any{"total_tokens": 1_000_000})
	assert.False(t, b.IsTokenExhausted())
}

func TestTimeExhaustion(t *testing.T) {
	b := New(-time.Second, 0)
	assert.True(t, b.IsTimeExhausted())
	assert.Less(t, b.RemainingSeconds(), 0.0)

	b2 := New(time.Minute, 0)
	assert.False(t, b2.IsTimeExhausted())
	assert.Greater(t, b2.RemainingSeconds(), 50.0)
}

func TestEffectiveTimeout(t *testing.T) {
	b := New(time.Minute, 0)
	// Этап короче остатка — берём этап
	assert.Equal(t, 10*time.Second, b.EffectiveTimeout(10*time.Second, 5*time.Second))

	// Остаток с учётом резерва короче этапа
	b2 := New(8*time.Second, 0)
	got := b2.EffectiveTimeout(30*time.Second, 5*time.Second)
	assert.LessOrEqual(t, got, 3*time.Second)
	assert.Greater(t, got, 2*time.Second)

	// Резерв съедает весь остаток — таймаут ≤ 0
	b3 := New(2*time.Second, 0)
	assert.LessOrEqual(t, b3.EffectiveTimeout(30*time.Second, 5*time.Second), time.Duration(0))
}
