package grader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
)

func TestExecutorSliceFailureCompensatesWithOCR(t *testing.T) {
	reg := tools.NewRegistry()
	sliceCalls, ocrCalls := 0, 0
	reg.Register(tools.ToolDiagramSlice, func(context.Context, map[string]any) map[string]any {
		sliceCalls++
		return tools.ErrDict("регион не найден", nil)
	})
	reg.Register(tools.ToolOCRFallback, func(context.Context, map[string]any) map[string]any {
		ocrCalls++
		return tools.OKDict(map[string]any{"text": "12-5=7"})
	})

	st := session.New("s1", nil)
	ex := NewExecutor(reg, nil)
	results := ex.Execute(context.Background(), st,
		[]session.PlanStep{{Tool: tools.ToolDiagramSlice}}, "hash123")

	require.Len(t, results, 2, "упавший шаг плюс компенсация")
	assert.False(t, results[0].OK)
	assert.Equal(t, tools.ToolOCRFallback, results[1].ToolName)
	assert.Equal(t, tools.ToolOCRFallback, results[1].FallbackUsed)
	assert.Equal(t, 1, sliceCalls, "ошибка статусом не повторяется")
	assert.Equal(t, 1, ocrCalls, "компенсация ровно одна")
	assert.True(t, st.SliceFailed("hash123"))
	assert.Contains(t, st.Warnings, WarnSliceFallbackOCR)
	assert.Equal(t, "12-5=7", st.OCRText)
}

func TestExecutorRetriesOncePanicOnly(t *testing.T) {
	reg := tools.NewRegistry()
	calls := 0
	reg.Register(tools.ToolMathVerify, func(context.Context, map[string]any) map[string]any {
		calls++
		if calls == 1 {
			panic("временный сбой")
		}
		return tools.OKDict(map[string]any{"result": "4"})
	})

	st := session.New("s1", nil)
	ex := NewExecutor(reg, nil)
	results := ex.Execute(context.Background(), st,
		[]session.PlanStep{{Tool: tools.ToolMathVerify}}, "h")

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, 2, calls, "после паники один повтор")
}

func TestExecutorPanicTwiceBecomesFailure(t *testing.T) {
	reg := tools.NewRegistry()
	calls := 0
	reg.Register(tools.ToolMathVerify, func(context.Context, map[string]any) map[string]any {
		calls++
		panic("совсем сломан")
	})

	st := session.New("s1", nil)
	ex := NewExecutor(reg, nil)
	results := ex.Execute(context.Background(), st,
		[]session.PlanStep{{Tool: tools.ToolMathVerify}}, "h")

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, 2, calls)
	assert.True(t, st.FailedBefore(tools.ToolMathVerify))
}

func TestExecutorUnknownTool(t *testing.T) {
	st := session.New("s1", nil)
	ex := NewExecutor(tools.NewRegistry(), nil)
	results := ex.Execute(context.Background(), st,
		[]session.PlanStep{{Tool: "teleport"}}, "h")

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.True(t, st.FailedBefore("teleport"))
}

func TestExecutorAppliesSliceEffects(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.ToolCacheFetch, func(context.Context, map[string]any) map[string]any {
		return tools.OKDict(map[string]any{
			"figure_urls":   []string{"https://cdn.example.com/f1.jpg"},
			"question_urls": []string{"https://cdn.example.com/q1.jpg"},
		})
	})

	st := session.New("s1", nil)
	ex := NewExecutor(reg, nil)
	ex.Execute(context.Background(), st,
		[]session.PlanStep{{Tool: tools.ToolCacheFetch}}, "h")

	assert.Equal(t, []string{"https://cdn.example.com/f1.jpg"}, st.SliceURLs["figure"])
	assert.Equal(t, []string{"https://cdn.example.com/q1.jpg"}, st.SliceURLs["question"])
}

func TestExecutorRunsStepsInOrder(t *testing.T) {
	reg := tools.NewRegistry()
	var order []string
	reg.Register(tools.ToolCacheFetch, func(context.Context, map[string]any) map[string]any {
		order = append(order, tools.ToolCacheFetch)
		return tools.ErrDict("пусто", nil)
	})
	reg.Register(tools.ToolLayoutLocate, func(context.Context, map[string]any) map[string]any {
		order = append(order, tools.ToolLayoutLocate)
		return tools.OKDict(nil)
	})

	st := session.New("s1", nil)
	ex := NewExecutor(reg, nil)
	results := ex.Execute(context.Background(), st, []session.PlanStep{
		{Tool: tools.ToolCacheFetch},
		{Tool: tools.ToolLayoutLocate},
	}, "h")

	assert.Equal(t, []string{tools.ToolCacheFetch, tools.ToolLayoutLocate}, order,
		"шаги идут строго по порядку, ошибка шага не прерывает план")
	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.True(t, results[1].OK)
}
