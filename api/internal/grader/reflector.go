package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
	"grade-bot/api/internal/util"
)

// Reflector — модуль REFLECT: оценивает достаточность улик. Поверх вердикта
// LLM работает детерминированная проверка: известные сбои (чертёж не найден)
// не могут остаться незамеченными, даже если модель их проглядела.
type Reflector struct {
	eng     llm.Engine
	limiter *limits.Limiter
}

func NewReflector(eng llm.Engine, limiter *limits.Limiter) *Reflector {
	return &Reflector{eng: eng, limiter: limiter}
}

func (r *Reflector) Reflect(ctx context.Context, st *session.State, iter []tools.ToolResult) (ReflectionResult, any, error) {
	schema, err := util.LoadPromptSchema("reflector")
	if err != nil {
		return augment(ReflectionResult{}, iter), nil, err
	}
	req := llm.TextRequest{
		System:     util.LoadSystemPrompt("reflector"),
		User:       reflectDigest(st, iter),
		JSONSchema: schema,
	}

	var reply llm.Reply
	call := func(ctx context.Context) error {
		var err error
		reply, err = r.eng.Generate(ctx, req)
		return err
	}
	if r.limiter != nil {
		err = r.limiter.WithLLM(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		// сбой рефлексии не валит цикл: считаем, что улик не хватает
		return augment(ReflectionResult{}, iter), nil, err
	}

	var res ReflectionResult
	if jerr := json.Unmarshal([]byte(util.ExtractJSON(reply.Text)), &res); jerr != nil {
		return augment(ReflectionResult{}, iter), reply.Usage, fmt.Errorf("рефлексия не разобрана: %w", jerr)
	}

	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	res.Issues = util.CompactStrings(res.Issues)
	if len(res.Issues) > 3 {
		res.Issues = res.Issues[:3]
	}
	return augment(res, iter), reply.Usage, nil
}

// augment дописывает жалобу на чертёж, если инструменты этой итерации
// сигналили о нём, а модель промолчала.
func augment(res ReflectionResult, iter []tools.ToolResult) ReflectionResult {
	if !diagramFailureSignaled(iter) || mentionsDiagramIssue(res.Issues) {
		return res
	}
	res.Issues = append(res.Issues, issueDiagramNotFound)
	res.Suggestion = remediationHint
	return res
}

func diagramFailureSignaled(iter []tools.ToolResult) bool {
	for _, tr := range iter {
		if tr.ToolName == tools.ToolDiagramSlice && !tr.OK {
			return true
		}
		for _, w := range tr.Warnings {
			low := strings.ToLower(w)
			if strings.Contains(low, "diagram_roi_not_found") || strings.Contains(low, "diagram_slice_failed") {
				return true
			}
		}
	}
	return false
}

func reflectDigest(st *session.State, iter []tools.ToolResult) string {
	type toolLine struct {
		Tool     string   `json:"tool"`
		OK       bool     `json:"ok"`
		Warnings []string `json:"warnings,omitempty"`
		Fallback string   `json:"fallback,omitempty"`
	}
	lines := make([]toolLine, 0, len(iter))
	for _, tr := range iter {
		lines = append(lines, toolLine{Tool: tr.ToolName, OK: tr.OK, Warnings: tr.Warnings, Fallback: tr.FallbackUsed})
	}

	digest := map[string]any{
		"iteration_tools": lines,
		"figure_slices":   len(st.SliceURLs["figure"]),
		"question_slices": len(st.SliceURLs["question"]),
		"ocr_text_len":    len([]rune(st.OCRText)),
	}
	if st.OCRText != "" {
		digest["ocr_excerpt"] = util.ClampRunes(st.OCRText, 600)
	}
	b, _ := json.Marshal(digest)
	return "Собранные улики:\n" + string(b)
}
