package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grade-bot/api/internal/tools"
)

func TestStateToolResults(t *testing.T) {
	st := New("s1", []string{"https://example.com/p.jpg"})

	st.RecordTool(tools.ToolResult{ToolName: tools.ToolOCRFallback, OK: false, Warnings: []string{"blur"}})
	st.RecordTool(tools.ToolResult{ToolName: tools.ToolOCRFallback, OK: true})

	assert.True(t, st.ToolResults[tools.ToolOCRFallback].OK, "хранится последний результат")
	assert.Contains(t, st.Warnings, "blur")
}

func TestStateAttempts(t *testing.T) {
	st := New("s1", nil)
	assert.False(t, st.FailedBefore(tools.ToolDiagramSlice))

	st.MarkAttempt(tools.ToolDiagramSlice, tools.StatusError, "роста нет")
	assert.True(t, st.FailedBefore(tools.ToolDiagramSlice))

	st.MarkAttempt(tools.ToolCacheFetch, tools.StatusOK, "")
	assert.False(t, st.FailedBefore(tools.ToolCacheFetch))
}

func TestStateSliceFailedCache(t *testing.T) {
	st := New("s1", nil)
	assert.False(t, st.SliceFailed("abc"))
	st.MarkSliceFailed("abc")
	assert.True(t, st.SliceFailed("abc"))
}

func TestStateTimingsAccumulate(t *testing.T) {
	st := New("s1", nil)
	st.AddTiming("execute", 100)
	st.AddTiming("execute", 50)
	st.AddTiming("plan", 10)

	assert.Equal(t, int64(150), st.Timings()["execute"])
	assert.Equal(t, int64(10), st.Timings()["plan"])
}

func TestStateOCRReplaceOnlyNonEmpty(t *testing.T) {
	st := New("s1", nil)
	st.SetOCR("2+3=5")
	st.SetOCR("")
	assert.Equal(t, "2+3=5", st.OCRText)
}

func TestStatePlanHistoryAppendOnly(t *testing.T) {
	st := New("s1", nil)
	st.RecordPlan(1, []PlanStep{{Tool: tools.ToolOCRFallback}}, "нужен текст")
	st.RecordPlan(2, nil, "")

	assert.Len(t, st.PlanHistory, 2)
	assert.Equal(t, 1, st.PlanHistory[0].Iteration)
	assert.WithinDuration(t, time.Now(), st.PlanHistory[0].Timestamp, time.Minute)
}

func TestCheckpointerNilSafe(t *testing.T) {
	var c *Checkpointer
	c.Save(context.Background(), New("s1", nil))

	NewCheckpointer(nil, 0).Save(context.Background(), New("s1", nil))
	NewCheckpointer(nil, time.Hour).Save(context.Background(), nil)
}
