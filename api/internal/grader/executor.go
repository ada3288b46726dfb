package grader

import (
	"context"
	"fmt"
	"time"

	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/metrics"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
)

const (
	// WarnSliceFallbackOCR пишется, когда нарезка чертежа упала и вместо неё
	// сработал простой OCR.
	WarnSliceFallbackOCR = "diagram_slice_failed_fallback_ocr"

	toolRetryDelay = 500 * time.Millisecond
)

// Executor — модуль EXECUTE: прогоняет шаги плана строго по порядку через
// реестр инструментов. Паника или ошибка инструмента никогда не выходит
// наружу — только ToolResult с ok=false.
type Executor struct {
	reg  *tools.Registry
	pool *limits.Pool
}

func NewExecutor(reg *tools.Registry, pool *limits.Pool) *Executor {
	return &Executor{reg: reg, pool: pool}
}

// Execute возвращает результаты шагов этой итерации (для рефлексии).
func (e *Executor) Execute(ctx context.Context, st *session.State, steps []session.PlanStep, imageHash string) []tools.ToolResult {
	results := make([]tools.ToolResult, 0, len(steps))
	for _, step := range steps {
		res := e.runStep(ctx, st, step)
		results = append(results, res)

		// нарезка чертежа упала: сразу компенсируем простым OCR и помечаем
		// страницу, чтобы следующие итерации не долбили нарезку вслепую
		if step.Tool == tools.ToolDiagramSlice && !res.OK {
			st.MarkSliceFailed(imageHash)
			st.Warn(WarnSliceFallbackOCR)
			comp := e.invoke(ctx, session.PlanStep{Tool: tools.ToolOCRFallback, Args: step.Args}, false)
			comp.FallbackUsed = tools.ToolOCRFallback
			e.applyEffects(st, comp)
			st.RecordTool(comp)
			st.MarkAttempt(comp.ToolName, statusOf(comp), firstWarning(comp))
			metrics.ToolCalls.WithLabelValues(comp.ToolName, statusOf(comp)).Inc()
			results = append(results, comp)
		}
	}
	return results
}

func (e *Executor) runStep(ctx context.Context, st *session.State, step session.PlanStep) tools.ToolResult {
	res := e.invoke(ctx, step, true)
	e.applyEffects(st, res)
	st.RecordTool(res)
	st.MarkAttempt(step.Tool, statusOf(res), firstWarning(res))
	metrics.ToolCalls.WithLabelValues(step.Tool, statusOf(res)).Inc()
	return res
}

// invoke вызывает инструмент с одним повтором после паники. Ошибка статусом
// в dict — это валидный ответ, его не повторяем.
func (e *Executor) invoke(ctx context.Context, step session.PlanStep, allowRetry bool) tools.ToolResult {
	fn, ok := e.reg.Get(step.Tool)
	if !ok {
		return tools.Failure(step.Tool, "execute", fmt.Errorf("неизвестный инструмент %q", step.Tool), 0, false)
	}

	t0 := time.Now()
	raw, err := e.callSafe(ctx, fn, step.Args)
	if err != nil && allowRetry && ctx.Err() == nil {
		logx.Warn().Str("tool", step.Tool).Err(err).Msg("tool call panicked, retrying once")
		select {
		case <-time.After(toolRetryDelay):
		case <-ctx.Done():
			return tools.Failure(step.Tool, "execute", ctx.Err(), time.Since(t0), false)
		}
		raw, err = e.callSafe(ctx, fn, step.Args)
	}
	if err != nil {
		return tools.Failure(step.Tool, "execute", err, time.Since(t0), false)
	}
	return tools.FromLegacy(step.Tool, "execute", raw, time.Since(t0))
}

// callSafe гоняет инструмент в пуле и переводит панику в ошибку.
func (e *Executor) callSafe(ctx context.Context, fn tools.Func, args map[string]any) (raw map[string]any, err error) {
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("паника инструмента: %v", r)
			}
		}()
		raw = fn(ctx, args)
		return nil
	}
	if e.pool == nil {
		return raw, run(ctx)
	}
	if err := e.pool.Do(ctx, run); err != nil {
		return nil, err
	}
	return raw, nil
}

// applyEffects — побочные эффекты успешных инструментов на состоянии:
// новые вырезки дописываются, OCR-текст заменяется.
func (e *Executor) applyEffects(st *session.State, res tools.ToolResult) {
	if !res.OK || res.Data == nil {
		return
	}
	switch res.ToolName {
	case tools.ToolDiagramSlice, tools.ToolCacheFetch:
		st.AppendSlices("figure", stringSlice(res.Data["figure_urls"])...)
		st.AppendSlices("question", stringSlice(res.Data["question_urls"])...)
	case tools.ToolOCRFallback:
		if text, ok := res.Data["text"].(string); ok {
			st.SetOCR(text)
		}
	}
}

func statusOf(res tools.ToolResult) string {
	if res.OK {
		return tools.StatusOK
	}
	return tools.StatusError
}

func firstWarning(res tools.ToolResult) string {
	if len(res.Warnings) > 0 {
		return res.Warnings[0]
	}
	return res.ErrorKind
}

func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
