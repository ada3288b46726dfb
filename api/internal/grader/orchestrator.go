// Package grader — автономный цикл проверки: Plan → Execute → Reflect под
// общим бюджетом, затем ровно одна агрегация. Любой исход — валидный
// grade.Result; исключения наружу не выходят.
package grader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grade-bot/api/internal/budget"
	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/imagestore"
	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/metrics"
	"grade-bot/api/internal/preprocess"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/tools"
	"grade-bot/api/internal/util"
)

type Config struct {
	MaxIterations       int
	ConfidenceThreshold float64
	RunTimeout          time.Duration
	StageTimeout        time.Duration
	AggregatorReserve   time.Duration
	TokenBudget         int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations < 1 {
		c.MaxIterations = 3
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.75
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 180 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 45 * time.Second
	}
	if c.AggregatorReserve <= 0 {
		c.AggregatorReserve = 30 * time.Second
	}
	return c
}

// Preprocessor — конвейер подготовки страницы (preprocess.Pipeline).
type Preprocessor interface {
	Run(ctx context.Context, sessionID string, img []byte) preprocess.Result
}

type Deps struct {
	Engine        llm.Engine
	Limiter       *limits.Limiter
	Pool          *limits.Pool
	Toolset       ToolsetFactory
	Pipeline      Preprocessor
	Uploader      imagestore.Uploader
	Checkpointer  *session.Checkpointer
	PreferDataURI bool
	Config        Config
}

type Orchestrator struct {
	planner    *Planner
	reflector  *Reflector
	aggregator *Aggregator
	toolset    ToolsetFactory
	pool       *limits.Pool
	pipeline   Preprocessor
	uploader   imagestore.Uploader
	check      *session.Checkpointer
	cfg        Config
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		planner:    NewPlanner(d.Engine, d.Limiter),
		reflector:  NewReflector(d.Engine, d.Limiter),
		aggregator: NewAggregator(d.Engine, d.Limiter, d.PreferDataURI),
		toolset:    d.Toolset,
		pool:       d.Pool,
		pipeline:   d.Pipeline,
		uploader:   d.Uploader,
		check:      d.Checkpointer,
		cfg:        d.Config.withDefaults(),
	}
}

type Request struct {
	SessionID string
	ChatID    int64
	Subject   string
	Images    [][]byte
}

// Run прогоняет одну проверку от начала до конца.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res grade.Result) {
	start := time.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := logx.With("session", sessionID)

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("grading run panicked")
			res = grade.Result{
				Status:     grade.StatusFailed,
				Reason:     "internal_error",
				Results:    []grade.GradedItem{},
				Warnings:   []string{fmt.Sprintf("внутренняя ошибка: %v", r)},
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
		metrics.RunsTotal.WithLabelValues(res.Status).Inc()
	}()

	bud := budget.New(o.cfg.RunTimeout, o.cfg.TokenBudget)
	ctx, cancel := context.WithDeadline(ctx, bud.Deadline())
	defer cancel()

	st := session.New(sessionID, o.seedImageRefs(ctx, req.Images))
	st.Subject = req.Subject

	reg := tools.NewRegistry()
	if o.toolset != nil {
		reg = o.toolset(sessionID, req.Images)
	}
	executor := NewExecutor(reg, o.pool)

	// Preprocess: один раз на каждую входную страницу
	primaryHash := ""
	figureTooSmall := false
	pt := time.Now()
	for i, img := range req.Images {
		hash := util.SHA256Hex(img)
		if i == 0 {
			primaryHash = hash
		}
		if o.pipeline == nil {
			continue
		}
		pre := o.pipeline.Run(ctx, sessionID, img)
		st.AppendSlices("figure", pre.FigureURLs...)
		st.AppendSlices("question", pre.QuestionURLs...)
		for _, w := range pre.Warnings {
			st.Warn(w)
		}
		figureTooSmall = figureTooSmall || pre.FigureTooSmall
		for k, v := range pre.TimingsMS {
			st.AddTiming("preprocess_"+k, v)
		}
	}
	st.AddTiming("preprocess", time.Since(pt).Milliseconds())
	metrics.StageSeconds.WithLabelValues("preprocess").Observe(time.Since(pt).Seconds())

	var lastReflection *ReflectionResult
	budgetFired := false
	iterations := 0

	for i := 1; i <= o.cfg.MaxIterations; i++ {
		// Guard: время на обязательную агрегацию неприкосновенно
		if bud.IsTimeExhausted() || bud.IsTokenExhausted() ||
			bud.RemainingSeconds() <= (o.cfg.AggregatorReserve+time.Second).Seconds() {
			st.Warn(fmt.Sprintf("budget exhausted before planning (iteration %d)", i))
			budgetFired = true
			break
		}
		iterations = i

		// Plan
		var steps []session.PlanStep
		pt0 := time.Now()
		if eff := bud.EffectiveTimeout(o.cfg.StageTimeout, o.cfg.AggregatorReserve); eff <= 0 {
			st.Warn("budget_exhausted_before_planner")
			st.RecordPlan(i, nil, "budget_exhausted_before_planner")
			budgetFired = true
		} else {
			pctx, pcancel := context.WithTimeout(ctx, eff)
			out, err := o.planner.Plan(pctx, st, lastReflection, primaryHash)
			pcancel()
			bud.ConsumeUsage(out.Usage)
			if err != nil {
				st.Warn("planner: " + err.Error())
			}
			steps = out.Steps
			st.RecordPlan(i, out.Steps, out.Thoughts)
		}
		st.AddTiming("plan", time.Since(pt0).Milliseconds())
		metrics.StageSeconds.WithLabelValues("plan").Observe(time.Since(pt0).Seconds())

		// Execute
		et0 := time.Now()
		iterResults := executor.Execute(ctx, st, steps, primaryHash)
		st.AddTiming("execute", time.Since(et0).Milliseconds())
		metrics.StageSeconds.WithLabelValues("execute").Observe(time.Since(et0).Seconds())

		// Reflect
		eff := bud.EffectiveTimeout(o.cfg.StageTimeout, o.cfg.AggregatorReserve)
		if eff <= 0 {
			st.Warn("budget exhausted before reflection")
			budgetFired = true
			o.check.Save(ctx, st)
			break
		}
		rt0 := time.Now()
		rctx, rcancel := context.WithTimeout(ctx, eff)
		refl, usage, rerr := o.reflector.Reflect(rctx, st, iterResults)
		rcancel()
		bud.ConsumeUsage(usage)
		st.ReflectionCount++
		if rerr != nil {
			st.Warn("reflector: " + rerr.Error())
		}
		st.AddTiming("reflect", time.Since(rt0).Milliseconds())
		metrics.StageSeconds.WithLabelValues("reflect").Observe(time.Since(rt0).Seconds())
		lastReflection = &refl

		o.check.Save(ctx, st)

		if refl.Pass && refl.Confidence >= o.cfg.ConfidenceThreshold {
			break
		}
		if i == o.cfg.MaxIterations {
			st.Warn("max iterations reached")
		}
	}

	// Aggregate: всегда ровно один раз, как бы ни закончился цикл
	at0 := time.Now()
	actx, acancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	agg := o.aggregator.Aggregate(actx, st, figureTooSmall, req.Images)
	acancel()
	bud.ConsumeUsage(agg.Usage)
	if agg.Err != nil {
		st.Warn("aggregator: " + agg.Err.Error())
	}
	st.AddTiming("aggregate", time.Since(at0).Milliseconds())
	metrics.StageSeconds.WithLabelValues("aggregate").Observe(time.Since(at0).Seconds())

	o.check.Save(ctx, st)
	metrics.TokensConsumed.Add(float64(bud.TokensUsed()))

	budgetFired = budgetFired || bud.IsTimeExhausted() || bud.IsTokenExhausted()
	res = assemble(st, bud, agg, iterations, budgetFired, start)
	log.Info().
		Str("status", res.Status).
		Int("iterations", res.Iterations).
		Int("tokens", res.TokensUsed).
		Int64("duration_ms", res.DurationMS).
		Msg("grading run finished")
	return res
}

// seedImageRefs — ссылки на исходные страницы для наблюдаемости. Без
// настоящего хранилища кладём контент-адрес, а не мегабайтный data-URI.
func (o *Orchestrator) seedImageRefs(ctx context.Context, images [][]byte) []string {
	refs := make([]string, 0, len(images))
	for _, img := range images {
		if o.uploader != nil && o.uploader.Name() != "inline" {
			if url, err := o.uploader.Upload(ctx, img, util.SniffMimeHTTP(img)); err == nil {
				refs = append(refs, url)
				continue
			}
		}
		refs = append(refs, "sha256:"+util.SHA256Hex(img))
	}
	return refs
}

func assemble(st *session.State, bud *budget.RunBudget, agg AggregateOut, iterations int, budgetFired bool, start time.Time) grade.Result {
	res := grade.Result{
		Results:    []grade.GradedItem{},
		OCRText:    st.OCRText,
		Warnings:   st.Warnings,
		Iterations: iterations,
		TokensUsed: bud.TokensUsed(),
		DurationMS: time.Since(start).Milliseconds(),
		TimingsMS:  st.Timings(),
	}

	switch {
	case agg.FailReason != "":
		res.Status = grade.StatusFailed
		res.Reason = agg.FailReason
	case !agg.Model.IsHomework:
		res.Status = grade.StatusRejected
		res.Reason = agg.Model.RejectReason
	default:
		res.Status = grade.StatusDone
		res.Results = agg.Model.Results
		res.Summary = agg.Model.Summary
	}
	if agg.Model.OCRText != "" {
		res.OCRText = agg.Model.OCRText
	}
	if res.Results == nil {
		res.Results = []grade.GradedItem{}
	}

	res.NeedsReview = needsReview(st, budgetFired)
	return res
}

// needsReview: ревью человеку нужно, если сработал бюджетный предохранитель,
// любой инструмент попросил ревью или в предупреждениях есть критичные.
func needsReview(st *session.State, budgetFired bool) bool {
	if budgetFired {
		return true
	}
	for _, tr := range st.ToolResults {
		if tr.NeedsReview {
			return true
		}
	}
	for _, w := range st.Warnings {
		if w == preprocess.WarnDiagramNotFound || w == WarnSliceFallbackOCR {
			return true
		}
	}
	return false
}
