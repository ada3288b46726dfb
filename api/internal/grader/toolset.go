package grader

import (
	"context"
	"errors"
	"strings"
	"time"

	"grade-bot/api/internal/ocr"
	"grade-bot/api/internal/preprocess"
	"grade-bot/api/internal/store"
	"grade-bot/api/internal/tools"
	"grade-bot/api/internal/util"
)

// ToolsetFactory собирает реестр инструментов под конкретный прогон:
// замыкания держат байты страницы и session_id, планировщику остаются
// только имена и лёгкие аргументы.
type ToolsetFactory func(sessionID string, images [][]byte) *tools.Registry

type ToolsetDeps struct {
	Pipeline    Preprocessor
	Locator     preprocess.Locator
	Slices      preprocess.SliceIndex
	OCR         *ocr.Registry
	CacheMaxAge time.Duration
}

func NewToolset(d ToolsetDeps) ToolsetFactory {
	return func(sessionID string, images [][]byte) *tools.Registry {
		var primary []byte
		if len(images) > 0 {
			primary = images[0]
		}
		reg := tools.NewRegistry()
		reg.Register(tools.ToolDiagramSlice, diagramSliceTool(d.Pipeline, sessionID, primary))
		reg.Register(tools.ToolLayoutLocate, layoutLocateTool(d.Locator, primary))
		reg.Register(tools.ToolCacheFetch, cacheFetchTool(d.Slices, sessionID, primary, d.CacheMaxAge))
		reg.Register(tools.ToolMathVerify, mathVerifyTool())
		reg.Register(tools.ToolOCRFallback, ocrFallbackTool(d.OCR, primary))
		return reg
	}
}

func diagramSliceTool(pipe Preprocessor, sessionID string, img []byte) tools.Func {
	return func(ctx context.Context, args map[string]any) map[string]any {
		if pipe == nil || len(img) == 0 {
			return tools.ErrDict("конвейер нарезки недоступен", nil)
		}
		pre := pipe.Run(ctx, sessionID, img)
		fields := map[string]any{
			"figure_urls":   pre.FigureURLs,
			"question_urls": pre.QuestionURLs,
			"source":        pre.Source,
			"cached":        pre.Cached,
		}
		if len(pre.Warnings) > 0 {
			fields["warnings"] = pre.Warnings
		}
		if pre.FigureTooSmall {
			fields["figure_too_small"] = true
		}
		urls := map[string]any{}
		if len(pre.FigureURLs) > 0 {
			urls["figure_url"] = pre.FigureURLs[0]
		}
		if len(pre.QuestionURLs) > 0 {
			urls["question_url"] = pre.QuestionURLs[0]
		}
		if len(urls) > 0 {
			fields["urls"] = urls
		}
		if len(pre.FigureURLs)+len(pre.QuestionURLs) == 0 {
			return tools.ErrDict("нарезка не дала ни одного фрагмента", fields)
		}
		return tools.OKDict(fields)
	}
}

func layoutLocateTool(loc preprocess.Locator, img []byte) tools.Func {
	return func(ctx context.Context, args map[string]any) map[string]any {
		if loc == nil || !loc.Enabled() || len(img) == 0 {
			return tools.ErrDict("сервис разметки не сконфигурирован", nil)
		}
		regions, err := loc.Locate(ctx, img, util.SniffMimeHTTP(img))
		if err != nil {
			return tools.ErrDict("разметка: "+err.Error(), map[string]any{"retryable": true})
		}
		if len(regions) == 0 {
			return tools.ErrDict("разметка не нашла пригодных регионов", nil)
		}
		wire := make([]any, 0, len(regions))
		for _, r := range regions {
			wire = append(wire, map[string]any{
				"kind":         string(r.Kind),
				"bbox_norm":    []any{r.Box.X0, r.Box.Y0, r.Box.X1, r.Box.Y1},
				"question_idx": r.QuestionIdx,
			})
		}
		return tools.OKDict(map[string]any{"regions": wire})
	}
}

func cacheFetchTool(idx preprocess.SliceIndex, sessionID string, img []byte, maxAge time.Duration) tools.Func {
	return func(ctx context.Context, args map[string]any) map[string]any {
		if idx == nil || len(img) == 0 {
			return tools.ErrDict("индекс нарезки недоступен", nil)
		}
		sid := sessionID
		if s, ok := args["session_id"].(string); ok && strings.TrimSpace(s) != "" {
			sid = strings.TrimSpace(s)
		}
		rows, err := idx.FindBySession(ctx, sid, util.SHA256Hex(img), maxAge)
		if errors.Is(err, store.ErrNotFound) {
			return tools.ErrDict("кэш нарезки пуст", nil)
		}
		if err != nil {
			return tools.ErrDict("индекс нарезки: "+err.Error(), map[string]any{"retryable": true})
		}
		var figures, questions []string
		items := make([]any, 0, len(rows))
		for _, r := range rows {
			if r.Kind == "figure" {
				figures = append(figures, r.URL)
			} else {
				questions = append(questions, r.URL)
			}
			items = append(items, map[string]any{
				"kind":         r.Kind,
				"url":          r.URL,
				"question_idx": r.QuestionIdx,
			})
		}
		return tools.OKDict(map[string]any{
			"questions":     items,
			"figure_urls":   figures,
			"question_urls": questions,
			"cached":        true,
		})
	}
}

func mathVerifyTool() tools.Func {
	return func(ctx context.Context, args map[string]any) map[string]any {
		expr, _ := args["expression"].(string)
		if expr == "" {
			expr, _ = args["expr"].(string)
		}
		out, err := tools.MathVerify(ctx, expr)
		if err != nil {
			return tools.ErrDict(err.Error(), nil)
		}
		return tools.OKDict(map[string]any{"result": out, "expression": strings.TrimSpace(expr)})
	}
}

func ocrFallbackTool(reg *ocr.Registry, img []byte) tools.Func {
	return func(ctx context.Context, args map[string]any) map[string]any {
		if reg == nil || len(img) == 0 {
			return tools.ErrDict("OCR-провайдеры не сконфигурированы", nil)
		}
		name, _ := args["provider"].(string)
		prov, err := reg.Pick(name)
		if err != nil {
			return tools.ErrDict(err.Error(), nil)
		}
		text, err := prov.Recognize(ctx, img, ocr.Options{})
		if err != nil {
			return tools.ErrDict("ocr "+prov.Name()+": "+err.Error(), map[string]any{"retryable": true})
		}
		if strings.TrimSpace(text) == "" {
			return tools.ErrDict("ocr вернул пустой текст", nil)
		}
		return tools.OKDict(map[string]any{"text": text, "provider": prov.Name()})
	}
}
