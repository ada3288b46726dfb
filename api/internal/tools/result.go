// Package tools — контракт результатов инструментов и сами инструменты,
// не требующие внешних зависимостей.
package tools

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Имена инструментов, которые видит планировщик.
const (
	ToolDiagramSlice = "diagram_slice"
	ToolLayoutLocate = "layout_locate"
	ToolCacheFetch   = "cache_fetch"
	ToolMathVerify   = "math_verify"
	ToolOCRFallback  = "ocr_fallback"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Виды ошибок в ToolResult.ErrorKind.
const (
	ErrKindTool    = "tool_error"
	ErrKindTimeout = "timeout"
	ErrKindInput   = "bad_input"
)

// ToolResult — единая форма результата инструмента. Всё, что возвращают
// инструменты (успех, ошибка, сырой dict), приводится сюда ровно один раз;
// дальше по коду никто не разбирает сырые ответы.
type ToolResult struct {
	OK           bool           `json:"ok"`
	ToolName     string         `json:"tool_name"`
	Stage        string         `json:"stage,omitempty"`
	TimingMS     int64          `json:"timing_ms"`
	Data         map[string]any `json:"data,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	NeedsReview  bool           `json:"needs_review,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	FallbackUsed string         `json:"fallback_used,omitempty"`
}

// FromLegacy приводит dict вида {status, ...} к ToolResult. Служебные ключи
// вынимаются, остальное уезжает в Data как есть.
func FromLegacy(tool, stage string, raw map[string]any, took time.Duration) ToolResult {
	res := ToolResult{
		ToolName: tool,
		Stage:    stage,
		TimingMS: took.Milliseconds(),
	}
	if raw == nil {
		res.ErrorKind = ErrKindTool
		return res
	}

	status, _ := raw["status"].(string)
	res.OK = status == StatusOK || status == "success"

	if v, ok := raw["warnings"].([]any); ok {
		for _, w := range v {
			if s, ok := w.(string); ok && s != "" {
				res.Warnings = append(res.Warnings, s)
			}
		}
	}
	if v, ok := raw["warnings"].([]string); ok {
		res.Warnings = append(res.Warnings, v...)
	}
	if v, ok := raw["needs_review"].(bool); ok {
		res.NeedsReview = v
	}
	if v, ok := raw["retryable"].(bool); ok {
		res.Retryable = v
	}
	if v, ok := raw["error_kind"].(string); ok {
		res.ErrorKind = v
	}
	if v, ok := raw["fallback_used"].(string); ok {
		res.FallbackUsed = v
	}
	if !res.OK {
		if res.ErrorKind == "" {
			res.ErrorKind = ErrKindTool
		}
		if msg, ok := raw["message"].(string); ok && msg != "" {
			res.Warnings = append(res.Warnings, msg)
		}
	}

	data := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "status", "warnings", "needs_review", "retryable", "error_kind", "fallback_used", "message":
			continue
		}
		data[k] = v
	}
	if len(data) > 0 {
		res.Data = data
	}
	return res
}

// Failure оборачивает ошибку вызова (включая панику) в ToolResult.
func Failure(tool, stage string, err error, took time.Duration, retryable bool) ToolResult {
	res := ToolResult{
		ToolName:  tool,
		Stage:     stage,
		TimingMS:  took.Milliseconds(),
		ErrorKind: ErrKindTool,
		Retryable: retryable,
	}
	if err != nil {
		res.Warnings = []string{err.Error()}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			res.ErrorKind = ErrKindTimeout
		}
	}
	return res
}

// Func — инструмент в «сыром» виде: dict со status-дискриминантом.
type Func func(ctx context.Context, args map[string]any) map[string]any

// Registry — реестр инструментов. Наполняется при сборке проверяющего,
// дальше только читается.
type Registry struct {
	m map[string]Func
}

func NewRegistry() *Registry { return &Registry{m: map[string]Func{}} }

func (r *Registry) Register(name string, fn Func) { r.m[name] = fn }

func (r *Registry) Get(name string) (Func, bool) {
	fn, ok := r.m[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OKDict/ErrDict — конструкторы сырых ответов для инструментов.
func OKDict(fields map[string]any) map[string]any {
	out := map[string]any{"status": StatusOK}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func ErrDict(message string, fields map[string]any) map[string]any {
	out := map[string]any{"status": StatusError, "message": message}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
