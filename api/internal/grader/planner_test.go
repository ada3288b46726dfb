package grader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
)

func TestPlannerRemediationSkipsLLM(t *testing.T) {
	fe := &fakeEngine{}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)
	st.MarkSliceFailed("hash1")

	out, err := p.Plan(context.Background(), st, nil, "hash1")

	require.NoError(t, err)
	assert.Equal(t, 0, fe.planCalls, "план починки собирается без LLM")
	require.Len(t, out.Steps, 3)
	assert.Equal(t, tools.ToolCacheFetch, out.Steps[0].Tool)
	assert.Equal(t, tools.ToolLayoutLocate, out.Steps[1].Tool)
	assert.Equal(t, tools.ToolOCRFallback, out.Steps[2].Tool)
}

func TestPlannerRemediationOnDiagramComplaint(t *testing.T) {
	fe := &fakeEngine{}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)
	st.MarkAttempt(tools.ToolCacheFetch, tools.StatusOK, "")
	st.SetOCR("3+4=7")
	prev := &ReflectionResult{Pass: false, Issues: []string{"нет вырезки чертежа"}}

	out, err := p.Plan(context.Background(), st, prev, "hash1")

	require.NoError(t, err)
	assert.Equal(t, 0, fe.planCalls)
	require.Len(t, out.Steps, 1, "успешный кэш и готовый текст пропускаются")
	assert.Equal(t, tools.ToolLayoutLocate, out.Steps[0].Tool)
}

func TestPlannerNoRemediationAfterPass(t *testing.T) {
	fe := &fakeEngine{planReplies: []string{emptyPlan}}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)
	prev := &ReflectionResult{Pass: true, Confidence: 0.9, Issues: []string{"чертёж мелковат"}}

	out, err := p.Plan(context.Background(), st, prev, "hash1")

	require.NoError(t, err)
	assert.Equal(t, 1, fe.planCalls, "после pass жалобы не триггерят починку")
	assert.Empty(t, out.Steps)
}

func TestPlannerFiltersFailedTools(t *testing.T) {
	fe := &fakeEngine{planReplies: []string{
		`{"plan": [{"tool": "ocr_fallback"}, {"tool": "math_verify", "args": {"expression": "2+2"}}]}`,
	}}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)
	st.MarkAttempt(tools.ToolOCRFallback, tools.StatusError, "таймаут")

	out, err := p.Plan(context.Background(), st, nil, "hash1")

	require.NoError(t, err)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, tools.ToolMathVerify, out.Steps[0].Tool)
	assert.Equal(t, "2+2", out.Steps[0].Args["expression"])
}

func TestPlannerCapsSteps(t *testing.T) {
	fe := &fakeEngine{planReplies: []string{
		`{"plan": [
			{"tool": "cache_fetch"}, {"tool": "layout_locate"}, {"tool": "diagram_slice"},
			{"tool": "ocr_fallback"}, {"tool": "math_verify"}, {"tool": "math_verify"}
		]}`,
	}}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)

	out, err := p.Plan(context.Background(), st, nil, "hash1")

	require.NoError(t, err)
	assert.Len(t, out.Steps, maxPlanSteps)
}

func TestPlannerBadJSON(t *testing.T) {
	fe := &fakeEngine{planReplies: []string{"сначала сделаю нарезку, потом посмотрим"}}
	p := NewPlanner(fe, nil)
	st := session.New("s1", nil)

	out, err := p.Plan(context.Background(), st, nil, "hash1")

	assert.Error(t, err)
	assert.Empty(t, out.Steps)
}
