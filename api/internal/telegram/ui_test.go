package telegram

import (
	"strings"
	"testing"

	"grade-bot/api/internal/grade"
)

func TestFormatResultDone(t *testing.T) {
	res := grade.Result{
		Status: grade.StatusDone,
		Results: []grade.GradedItem{
			{Question: "2+2", Verdict: grade.VerdictCorrect},
			{Question: "5×3", Verdict: grade.VerdictIncorrect},
			{Question: "задача про поезд", Verdict: grade.VerdictUncertain},
		},
		Summary: "Два из трёх, молодец.",
	}
	got := formatResult(res)

	for _, want := range []string{"✅ 1) 2+2", "❌ 2) 5×3", "❓ 3) задача про поезд", "Верно: 1 из 3", "Два из трёх"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "перепроверить") {
		t.Errorf("unexpected review note:\n%s", got)
	}
}

func TestFormatResultNeedsReview(t *testing.T) {
	res := grade.Result{
		Status:      grade.StatusDone,
		Results:     []grade.GradedItem{{Question: "чертёж", Verdict: grade.VerdictUncertain}},
		NeedsReview: true,
	}
	if got := formatResult(res); !strings.Contains(got, "перепроверить") {
		t.Errorf("review note missing:\n%s", got)
	}
}

func TestFormatResultRejected(t *testing.T) {
	res := grade.Result{Status: grade.StatusRejected, Reason: "на фото котик"}
	got := formatResult(res)
	if !strings.Contains(got, "Не похоже на домашнюю работу") || !strings.Contains(got, "на фото котик") {
		t.Errorf("unexpected rejected text:\n%s", got)
	}
}

func TestFormatResultFailed(t *testing.T) {
	got := formatResult(grade.Result{Status: grade.StatusFailed, Reason: grade.ReasonLLMFailed})
	if !strings.Contains(got, "Не получилось проверить") {
		t.Errorf("unexpected failed text:\n%s", got)
	}
}

func TestFormatResultNoQuestions(t *testing.T) {
	got := formatResult(grade.Result{Status: grade.StatusDone, Results: []grade.GradedItem{}})
	if !strings.Contains(got, "Заданий на фото не нашёл") {
		t.Errorf("empty-results text missing:\n%s", got)
	}
}

func TestFormatDetails(t *testing.T) {
	res := grade.Result{
		Status: grade.StatusDone,
		Results: []grade.GradedItem{{
			Question:      "12-5",
			StudentAnswer: "7",
			Verdict:       grade.VerdictCorrect,
			Basis:         []string{"по распознанному тексту", "math_verify"},
			Comment:       "Вычислено верно.",
		}},
	}
	got := formatDetails(res)
	for _, want := range []string{"✅ 1) 12-5", "Ответ: 7", "Основание: по распознанному тексту; math_verify", "Вычислено верно."} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatDetailsEmpty(t *testing.T) {
	if got := formatDetails(grade.Result{}); got != "Подробностей нет." {
		t.Errorf("got %q", got)
	}
}

func TestVerdictIcon(t *testing.T) {
	cases := map[string]string{
		grade.VerdictCorrect:   "✅",
		grade.VerdictIncorrect: "❌",
		grade.VerdictUncertain: "❓",
		"whatever":             "❓",
	}
	for v, want := range cases {
		if got := verdictIcon(v); got != want {
			t.Errorf("verdictIcon(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestBatchKey(t *testing.T) {
	if got := batchKey(42, ""); got != "chat:42" {
		t.Errorf("got %q", got)
	}
	if got := batchKey(42, "album17"); got != "grp:album17" {
		t.Errorf("got %q", got)
	}
}

func TestClampLine(t *testing.T) {
	if got := clampLine("  короткий  ", 80); got != "короткий" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("я", 100)
	got := clampLine(long, 80)
	if r := []rune(got); len(r) != 81 || r[80] != '…' {
		t.Errorf("clamp = %d runes, tail %q", len(r), string(r[len(r)-1]))
	}
}
