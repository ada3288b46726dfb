package grader

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/preprocess"
	"grade-bot/api/internal/tools"
)

// fakeEngine различает стадии по системному промпту и отдаёт заготовленные
// ответы; последний ответ из списка повторяется.
type fakeEngine struct {
	mu          sync.Mutex
	planReplies []string
	planErr     error
	reflReplies []string
	reflErr     error
	visionReply string
	visionErr   error

	planCalls   int
	reflCalls   int
	visionCalls int
	lastVision  llm.VisionRequest
}

func (f *fakeEngine) Name() string     { return "fake" }
func (f *fakeEngine) GetModel() string { return "fake-model" }

func (f *fakeEngine) Generate(_ context.Context, in llm.TextRequest) (llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage := map[string]any{"total_tokens": 10}
	if strings.Contains(in.System, "PLAN") {
		f.planCalls++
		if f.planErr != nil {
			return llm.Reply{}, f.planErr
		}
		return llm.Reply{Text: nthReply(f.planReplies, f.planCalls), Usage: usage}, nil
	}
	f.reflCalls++
	if f.reflErr != nil {
		return llm.Reply{}, f.reflErr
	}
	return llm.Reply{Text: nthReply(f.reflReplies, f.reflCalls), Usage: usage}, nil
}

func (f *fakeEngine) GenerateVision(_ context.Context, in llm.VisionRequest) (llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visionCalls++
	f.lastVision = in
	if f.visionErr != nil {
		return llm.Reply{}, f.visionErr
	}
	return llm.Reply{Text: f.visionReply, Usage: map[string]any{"total_tokens": 50}}, nil
}

func nthReply(replies []string, call int) string {
	if len(replies) == 0 {
		return ""
	}
	if call > len(replies) {
		return replies[len(replies)-1]
	}
	return replies[call-1]
}

type fakePipeline struct {
	res   preprocess.Result
	calls int
}

func (f *fakePipeline) Run(context.Context, string, []byte) preprocess.Result {
	f.calls++
	return f.res
}

func staticToolset(reg *tools.Registry) ToolsetFactory {
	return func(string, [][]byte) *tools.Registry { return reg }
}

const doneJSON = `{"is_homework": true, "ocr_text": "2+2=4", "results": [
 {"question": "2+2", "student_answer": "4", "verdict": "correct", "confidence": 0.9}
], "summary": "всё решено верно"}`

const (
	emptyPlan   = `{"thoughts": "улик достаточно", "plan": []}`
	reflectFail = `{"pass": false, "confidence": 0.2, "issues": ["текст не читается"]}`
	reflectPass = `{"pass": true, "confidence": 0.9}`
)

func TestRunStopsAtMaxIterations(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectFail},
		visionReply: doneJSON,
	}
	orc := New(Deps{
		Engine:  fe,
		Toolset: staticToolset(tools.NewRegistry()),
		Config:  Config{MaxIterations: 3},
	})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, 3, fe.planCalls, "ровно один план на итерацию")
	assert.Equal(t, 3, fe.reflCalls)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 1, fe.visionCalls, "агрегация ровно одна")
	assert.Contains(t, res.Warnings, "max iterations reached")
	assert.Equal(t, grade.StatusDone, res.Status)
}

func TestRunExitsEarlyOnPass(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectPass},
		visionReply: doneJSON,
	}
	orc := New(Deps{Engine: fe, Toolset: staticToolset(tools.NewRegistry())})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, 1, fe.planCalls)
	assert.Equal(t, 1, res.Iterations)
	assert.NotContains(t, res.Warnings, "max iterations reached")
	assert.Equal(t, grade.StatusDone, res.Status)
	assert.False(t, res.NeedsReview)
	require.Len(t, res.Results, 1)
	assert.Equal(t, grade.VerdictCorrect, res.Results[0].Verdict)
	assert.Equal(t, "2+2=4", res.OCRText)
	assert.Greater(t, res.TokensUsed, 0)
}

func TestRunBudgetGuardProtectsAggregation(t *testing.T) {
	fe := &fakeEngine{visionReply: doneJSON}
	orc := New(Deps{
		Engine:  fe,
		Toolset: staticToolset(tools.NewRegistry()),
		Config:  Config{RunTimeout: 50 * time.Millisecond, AggregatorReserve: 30 * time.Second},
	})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, 0, fe.planCalls, "без бюджета LLM планировщика не трогаем")
	assert.Equal(t, 0, fe.reflCalls)
	assert.Equal(t, 1, fe.visionCalls, "агрегация обязана состояться")
	assert.Equal(t, 0, res.Iterations)
	assert.True(t, res.NeedsReview)
	assert.Contains(t, res.Warnings, "budget exhausted before planning (iteration 1)")
}

func TestRunStopsWhenTokenBudgetSpent(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectFail},
		visionReply: doneJSON,
	}
	orc := New(Deps{
		Engine:  fe,
		Toolset: staticToolset(tools.NewRegistry()),
		Config:  Config{MaxIterations: 3, TokenBudget: 15},
	})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, 1, fe.planCalls, "после первой итерации токены кончились")
	assert.Equal(t, 1, res.Iterations)
	assert.True(t, res.NeedsReview)
	assert.GreaterOrEqual(t, res.TokensUsed, 15)
}

func TestRunParseFailed(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectPass},
		visionReply: "к сожалению, ответить строго в JSON не получилось",
	}
	orc := New(Deps{Engine: fe, Toolset: staticToolset(tools.NewRegistry())})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, grade.StatusFailed, res.Status)
	assert.Equal(t, grade.ReasonParseFailed, res.Reason)
	require.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
}

func TestRunLLMFailed(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectPass},
		visionErr:   context.DeadlineExceeded,
	}
	orc := New(Deps{Engine: fe, Toolset: staticToolset(tools.NewRegistry())})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, grade.StatusFailed, res.Status)
	assert.Equal(t, grade.ReasonLLMFailed, res.Reason)
	assert.Empty(t, res.Results)
}

func TestRunRejected(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectPass},
		visionReply: `{"is_homework": false, "reject_reason": "на фото обложка тетради", "results": []}`,
	}
	orc := New(Deps{Engine: fe, Toolset: staticToolset(tools.NewRegistry())})

	res := orc.Run(context.Background(), Request{SessionID: "s1"})

	assert.Equal(t, grade.StatusRejected, res.Status)
	assert.Equal(t, "на фото обложка тетради", res.Reason)
	assert.Empty(t, res.Results)
}

func TestRunDiagramFallbackNeedsReview(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{`{"plan": [{"tool": "diagram_slice", "args": {}}]}`},
		reflReplies: []string{reflectPass},
		visionReply: doneJSON,
	}
	reg := tools.NewRegistry()
	ocrCalls := 0
	reg.Register(tools.ToolDiagramSlice, func(context.Context, map[string]any) map[string]any {
		return tools.ErrDict("чертёж не найден", nil)
	})
	reg.Register(tools.ToolOCRFallback, func(context.Context, map[string]any) map[string]any {
		ocrCalls++
		return tools.OKDict(map[string]any{"text": "3*4=12"})
	})
	orc := New(Deps{Engine: fe, Toolset: staticToolset(reg)})

	res := orc.Run(context.Background(), Request{SessionID: "s1", Images: [][]byte{[]byte("page")}})

	assert.Equal(t, 1, ocrCalls, "ровно одна OCR-компенсация")
	assert.True(t, res.NeedsReview)
	assert.Contains(t, res.Warnings, WarnSliceFallbackOCR)
	assert.Equal(t, grade.StatusDone, res.Status)
}

func TestRunSeedsStateFromPreprocess(t *testing.T) {
	fe := &fakeEngine{
		planReplies: []string{emptyPlan},
		reflReplies: []string{reflectPass},
		visionReply: doneJSON,
	}
	pipe := &fakePipeline{res: preprocess.Result{
		FigureURLs:   []string{"https://cdn.example.com/fig1.jpg"},
		QuestionURLs: []string{"https://cdn.example.com/q1.jpg"},
		Source:       preprocess.SourceLocator,
		TimingsMS:    map[string]int64{"locator": 42},
	}}
	orc := New(Deps{Engine: fe, Toolset: staticToolset(tools.NewRegistry()), Pipeline: pipe})

	res := orc.Run(context.Background(), Request{SessionID: "s1", Images: [][]byte{[]byte("page")}})

	assert.Equal(t, 1, pipe.calls)
	require.Len(t, fe.lastVision.Images, 1)
	assert.Equal(t, "https://cdn.example.com/fig1.jpg", fe.lastVision.Images[0].URL,
		"вырезка чертежа в приоритете над остальным")
	assert.Equal(t, grade.StatusDone, res.Status)
	assert.Contains(t, res.TimingsMS, "preprocess_locator")
}
