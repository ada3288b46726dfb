package grader

import (
	"context"
	"encoding/json"
	"fmt"

	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
	"grade-bot/api/internal/util"
)

const maxPlanSteps = 4

// Planner — модуль PLAN: по состоянию проверки просит у LLM список вызовов
// инструментов. При узнаваемом сбое прошлой итерации план заменяется
// детерминированной последовательностью починки без всякой самодеятельности.
type Planner struct {
	eng     llm.Engine
	limiter *limits.Limiter
}

func NewPlanner(eng llm.Engine, limiter *limits.Limiter) *Planner {
	return &Planner{eng: eng, limiter: limiter}
}

type PlanOut struct {
	Steps    []session.PlanStep
	Thoughts string
	Usage    any
}

type plannerWire struct {
	Thoughts string `json:"thoughts"`
	Plan     []struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"plan"`
}

func (p *Planner) Plan(ctx context.Context, st *session.State, prev *ReflectionResult, imageHash string) (PlanOut, error) {
	if steps, ok := p.remediation(st, prev, imageHash); ok {
		return PlanOut{Steps: steps, Thoughts: "remediation"}, nil
	}

	schema, err := util.LoadPromptSchema("planner")
	if err != nil {
		return PlanOut{}, err
	}
	req := llm.TextRequest{
		System:     util.LoadSystemPrompt("planner"),
		User:       stateDigest(st),
		JSONSchema: schema,
	}

	var reply llm.Reply
	call := func(ctx context.Context) error {
		var err error
		reply, err = p.eng.Generate(ctx, req)
		return err
	}
	if p.limiter != nil {
		err = p.limiter.WithLLM(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return PlanOut{}, err
	}

	var wire plannerWire
	if err := json.Unmarshal([]byte(util.ExtractJSON(reply.Text)), &wire); err != nil {
		return PlanOut{Usage: reply.Usage}, fmt.Errorf("план не разобран: %w", err)
	}

	out := PlanOut{Thoughts: wire.Thoughts, Usage: reply.Usage}
	for _, s := range wire.Plan {
		if s.Tool == "" {
			continue
		}
		if len(out.Steps) >= maxPlanSteps {
			break
		}
		// не предлагаем инструмент, уже упавший в этой проверке
		if st.FailedBefore(s.Tool) {
			continue
		}
		out.Steps = append(out.Steps, session.PlanStep{Tool: s.Tool, Args: s.Args})
	}
	return out, nil
}

// remediation — фиксированная последовательность починки: кэш, разметка,
// затем OCR, если текста всё ещё нет. Срабатывает, когда прошлая рефлексия
// жаловалась на чертёж или нарезка этой страницы уже падала.
func (p *Planner) remediation(st *session.State, prev *ReflectionResult, imageHash string) ([]session.PlanStep, bool) {
	triggered := st.SliceFailed(imageHash)
	if !triggered && prev != nil && !prev.Pass {
		triggered = mentionsDiagramIssue(prev.Issues)
	}
	if !triggered {
		return nil, false
	}

	var steps []session.PlanStep
	if !p.succeeded(st, tools.ToolCacheFetch) {
		steps = append(steps, session.PlanStep{Tool: tools.ToolCacheFetch, Args: map[string]any{"session_id": st.ID}})
	}
	if !p.succeeded(st, tools.ToolLayoutLocate) {
		steps = append(steps, session.PlanStep{Tool: tools.ToolLayoutLocate, Args: map[string]any{}})
	}
	if st.OCRText == "" && !p.succeeded(st, tools.ToolOCRFallback) {
		steps = append(steps, session.PlanStep{Tool: tools.ToolOCRFallback, Args: map[string]any{}})
	}
	return steps, true
}

func (p *Planner) succeeded(st *session.State, tool string) bool {
	a, ok := st.AttemptedTools[tool]
	return ok && a.Status == tools.StatusOK
}

// stateDigest — компактная сводка состояния для промпта: без самих картинок,
// только факты о собранных уликах.
func stateDigest(st *session.State) string {
	type attempted struct {
		Tool   string `json:"tool"`
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}
	var att []attempted
	for tool, a := range st.AttemptedTools {
		att = append(att, attempted{Tool: tool, Status: a.Status, Reason: a.Reason})
	}

	digest := map[string]any{
		"iteration":       len(st.PlanHistory) + 1,
		"ocr_text_len":    len([]rune(st.OCRText)),
		"figure_slices":   len(st.SliceURLs["figure"]),
		"question_slices": len(st.SliceURLs["question"]),
		"attempted_tools": att,
	}
	if st.Subject != "" {
		digest["subject"] = st.Subject
	}
	if n := len(st.Warnings); n > 0 {
		tail := st.Warnings
		if n > 5 {
			tail = tail[n-5:]
		}
		digest["warnings"] = tail
	}
	if st.OCRText != "" {
		digest["ocr_excerpt"] = util.ClampRunes(st.OCRText, 400)
	}

	b, _ := json.Marshal(digest)
	return "Состояние проверки:\n" + string(b)
}
