// Package grade — итоговая форма результата проверки и приведение
// произвольного ответа модели к этой форме.
package grade

import (
	"strings"

	"grade-bot/api/internal/util"
)

const (
	StatusDone     = "done"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

const (
	ReasonParseFailed = "parse_failed"
	ReasonLLMFailed   = "llm_failed"
)

const (
	VerdictCorrect   = "correct"
	VerdictIncorrect = "incorrect"
	VerdictUncertain = "uncertain"
)

const (
	maxBasis        = 3
	maxBasisRunes   = 180
	maxCommentRunes = 240
	maxSummaryRunes = 200

	defaultBasis = "по распознанному тексту страницы"
)

type GradedItem struct {
	Question      string   `json:"question"`
	StudentAnswer string   `json:"student_answer,omitempty"`
	Verdict       string   `json:"verdict"`
	Basis         []string `json:"basis"`
	Comment       string   `json:"comment,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
}

// Result — единственное, что видит вызывающая сторона. Любой исход проверки
// (включая отказ и ошибку) упакован сюда, исключения наружу не выходят.
type Result struct {
	Status      string           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	OCRText     string           `json:"ocr_text,omitempty"`
	Results     []GradedItem     `json:"results"`
	Summary     string           `json:"summary,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Iterations  int              `json:"iterations"`
	TokensUsed  int              `json:"tokens_used"`
	DurationMS  int64            `json:"duration_ms"`
	NeedsReview bool             `json:"needs_review"`
	TimingsMS   map[string]int64 `json:"timings_ms,omitempty"`
}

// ModelOutput — уже приведённый ответ модуля GRADE.
type ModelOutput struct {
	IsHomework   bool
	RejectReason string
	OCRText      string
	Results      []GradedItem
	Summary      string
}

// ParseModelOutput converts arbitrary engine output into the strict grade shape.
// It enforces required fields, clamps values, truncates strings, and drops unknown properties.
func ParseModelOutput(m map[string]any) ModelOutput {
	out := ModelOutput{IsHomework: true}

	if v, ok := m["is_homework"].(bool); ok {
		out.IsHomework = v
	}
	if v, ok := m["reject_reason"].(string); ok {
		out.RejectReason = util.ClampRunes(strings.TrimSpace(v), maxBasisRunes)
	}
	if v, ok := m["ocr_text"].(string); ok {
		out.OCRText = v
	}
	if v, ok := m["summary"].(string); ok {
		out.Summary = util.ClampRunes(strings.TrimSpace(v), maxSummaryRunes)
	}

	rawItems, _ := m["results"].([]any)
	for _, it := range rawItems {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		question, _ := obj["question"].(string)
		question = strings.TrimSpace(question)
		if question == "" {
			continue // required
		}

		item := GradedItem{Question: question, Verdict: CoerceVerdict(obj["verdict"])}
		if v, ok := obj["student_answer"].(string); ok {
			item.StudentAnswer = strings.TrimSpace(v)
		}
		if v, ok := obj["comment"].(string); ok {
			item.Comment = util.ClampRunes(strings.TrimSpace(v), maxCommentRunes)
		}
		item.Confidence = clampUnit(obj["confidence"])
		item.Basis = FillBasis(obj["basis"])

		out.Results = append(out.Results, item)
	}
	return out
}

// CoerceVerdict прижимает вердикт к трём допустимым значениям.
func CoerceVerdict(v any) string {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case VerdictCorrect:
		return VerdictCorrect
	case VerdictIncorrect:
		return VerdictIncorrect
	default:
		return VerdictUncertain
	}
}

// FillBasis чистит список оснований; пустой список добивается дефолтным,
// чтобы контракт «1–3 основания» всегда выполнялся.
func FillBasis(v any) []string {
	basis := make([]string, 0, maxBasis)
	if raw, ok := v.([]any); ok {
		for _, b := range raw {
			if len(basis) >= maxBasis {
				break
			}
			s, ok := b.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			basis = append(basis, util.ClampRunes(s, maxBasisRunes))
		}
	}
	if len(basis) == 0 {
		basis = append(basis, defaultBasis)
	}
	return basis
}

func clampUnit(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
