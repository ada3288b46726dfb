// Package preprocess — трёхъярусный конвейер подготовки страницы:
// кэш вырезок → удалённая разметка → локальный разбор. Ярусы пробуются по
// очереди, первый успешный отвечает за результат; сетевые сбои не
// останавливают конвейер, а опускают его на ярус ниже.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"grade-bot/api/internal/imagestore"
	"grade-bot/api/internal/imaging"
	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/locator"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/metrics"
	"grade-bot/api/internal/store"
	"grade-bot/api/internal/util"
)

const (
	SourceCache    = "cache"
	SourceLocator  = "locator"
	SourceLocal    = "local_fallback"
	SourceDisabled = "disabled"
)

const (
	WarnDiagramNotFound = "diagram_roi_not_found"
	WarnFigureTooSmall  = "figure_too_small"
)

// Result — итог подготовки страницы для цикла проверки.
type Result struct {
	FigureURLs     []string         `json:"figure_urls"`
	QuestionURLs   []string         `json:"question_urls"`
	Source         string           `json:"source"`
	Warnings       []string         `json:"warnings,omitempty"`
	Cached         bool             `json:"cached"`
	FigureTooSmall bool             `json:"figure_too_small,omitempty"`
	TimingsMS      map[string]int64 `json:"timings_ms,omitempty"`
}

// SliceIndex — общий индекс вырезок (store.SliceRepo).
type SliceIndex interface {
	FindBySession(ctx context.Context, sessionID, imageHash string, maxAge time.Duration) ([]store.SliceRow, error)
	ReplaceIndex(ctx context.Context, sessionID, imageHash string, slices []store.SliceRow) error
}

// Locator — удалённая разметка страницы (locator.Client).
type Locator interface {
	Enabled() bool
	Locate(ctx context.Context, image []byte, mime string) ([]locator.Region, error)
}

type Pipeline struct {
	slices   SliceIndex
	loc      Locator
	uploader imagestore.Uploader
	limiter  *limits.Limiter
	disabled bool
	maxAge   time.Duration
}

func New(slices SliceIndex, loc Locator, uploader imagestore.Uploader, limiter *limits.Limiter, disabled bool, maxAge time.Duration) *Pipeline {
	if uploader == nil {
		uploader = imagestore.Inline{}
	}
	return &Pipeline{
		slices:   slices,
		loc:      loc,
		uploader: uploader,
		limiter:  limiter,
		disabled: disabled,
		maxAge:   maxAge,
	}
}

// Run прогоняет страницу через ярусы. Ошибок наружу нет: любой сбой — это
// предупреждение плюс ярус ниже.
func (p *Pipeline) Run(ctx context.Context, sessionID string, img []byte) Result {
	res := Result{TimingsMS: map[string]int64{}}

	if p.disabled {
		res.Source = SourceDisabled
		metrics.PreprocessTier.WithLabelValues(SourceDisabled).Inc()
		return res
	}

	hash := util.SHA256Hex(img)

	// ярус 1: кэш, никакой сети
	if p.slices != nil {
		t0 := time.Now()
		rows, err := p.slices.FindBySession(ctx, sessionID, hash, p.maxAge)
		res.TimingsMS["cache"] = time.Since(t0).Milliseconds()
		switch {
		case err == nil && len(rows) > 0:
			res.Source = SourceCache
			res.Cached = true
			fillFromRows(&res, rows)
			metrics.PreprocessTier.WithLabelValues(SourceCache).Inc()
			return res
		case err != nil && !errors.Is(err, store.ErrNotFound):
			logx.Debug().Err(err).Str("session", sessionID).Msg("slice index lookup failed")
		}
	}

	decoded, decErr := imaging.Decode(img)
	if decErr != nil {
		res.Warn(fmt.Sprintf("decode: %v", decErr))
		res.Source = SourceLocal
		metrics.PreprocessTier.WithLabelValues(SourceLocal).Inc()
		return res
	}
	mime := util.SniffMimeHTTP(img)

	// ярус 2: удалённая разметка
	if p.loc != nil && p.loc.Enabled() {
		t0 := time.Now()
		p.withVision(ctx, func(ctx context.Context) {
			if p.locatorTier(ctx, sessionID, hash, img, mime, decoded, &res) {
				res.Source = SourceLocator
			}
		})
		res.TimingsMS["locator"] = time.Since(t0).Milliseconds()
		if res.Source == SourceLocator {
			metrics.PreprocessTier.WithLabelValues(SourceLocator).Inc()
			return res
		}
	}

	// ярус 3: локальный разбор страницы
	t0 := time.Now()
	p.withVision(ctx, func(ctx context.Context) {
		p.localTier(ctx, sessionID, hash, decoded, &res)
	})
	res.TimingsMS["local"] = time.Since(t0).Milliseconds()
	res.Source = SourceLocal
	metrics.PreprocessTier.WithLabelValues(SourceLocal).Inc()
	return res
}

func (r *Result) Warn(msg string) {
	if msg != "" {
		r.Warnings = append(r.Warnings, msg)
	}
}

// withVision выполняет fn под визуальным семафором, если он настроен.
func (p *Pipeline) withVision(ctx context.Context, fn func(ctx context.Context)) {
	if p.limiter == nil {
		fn(ctx)
		return
	}
	_ = p.limiter.WithVision(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// locatorTier режет страницу по рамкам удалённой разметки. false — ярус не дал
// ни одной вырезки, и надо падать на локальный разбор.
func (p *Pipeline) locatorTier(ctx context.Context, sessionID, hash string, img []byte, mime string, decoded image.Image, res *Result) bool {
	regions, err := p.loc.Locate(ctx, img, mime)
	if err != nil {
		res.Warn(fmt.Sprintf("locator: %v", err))
		return false
	}
	if len(regions) == 0 {
		return false
	}

	bounds := decoded.Bounds()
	var rows []store.SliceRow
	for _, reg := range regions {
		pad := imaging.QuestionPad
		kind := string(reg.Kind)
		if reg.Kind == locator.KindFigure {
			pad = imaging.FigurePad
		}
		rect := reg.Box.ToPixels(bounds, pad)
		if rect.Empty() {
			continue
		}
		tooSmall := reg.Kind == locator.KindFigure && imaging.FigureTooSmall(rect)
		if tooSmall {
			res.FigureTooSmall = true
			res.Warn(WarnFigureTooSmall)
		}

		crop := imaging.Crop(decoded, rect)
		data, err := imaging.EncodeJPEG(crop)
		if err != nil {
			res.Warn(fmt.Sprintf("encode %s: %v", kind, err))
			continue
		}
		url, err := p.uploader.Upload(ctx, data, "image/jpeg")
		if err != nil {
			res.Warn(fmt.Sprintf("upload %s: %v", kind, err))
			continue
		}

		switch reg.Kind {
		case locator.KindFigure:
			res.FigureURLs = append(res.FigureURLs, url)
		case locator.KindQuestion:
			res.QuestionURLs = append(res.QuestionURLs, url)
		}
		rows = append(rows, store.SliceRow{
			Kind:        kind,
			QuestionIdx: reg.QuestionIdx,
			URL:         url,
			Width:       rect.Dx(),
			Height:      rect.Dy(),
			Source:      SourceLocator,
		})
	}
	if len(rows) == 0 {
		return false
	}
	p.saveIndex(ctx, sessionID, hash, rows)
	return true
}

// localTier: выравнивание, бинаризация, поиск области чертежа по контурам.
// Вся страница целиком уходит как единственная question-вырезка.
func (p *Pipeline) localTier(ctx context.Context, sessionID, hash string, decoded image.Image, res *Result) {
	page := imaging.Deskew(decoded)
	var rows []store.SliceRow

	bin := imaging.AdaptiveThreshold(page, 0, 10)
	if rect, ok := imaging.FindDiagramRegion(bin); ok {
		pad := imaging.FigurePad
		rect = padPixelRect(rect, page.Bounds(), pad)
		if imaging.FigureTooSmall(rect) {
			res.FigureTooSmall = true
			res.Warn(WarnFigureTooSmall)
		}
		crop := imaging.Crop(page, rect)
		if data, err := imaging.EncodeJPEG(crop); err == nil {
			if url, err := p.uploader.Upload(ctx, data, "image/jpeg"); err == nil {
				res.FigureURLs = append(res.FigureURLs, url)
				rows = append(rows, store.SliceRow{
					Kind:   string(locator.KindFigure),
					URL:    url,
					Width:  rect.Dx(),
					Height: rect.Dy(),
					Source: SourceLocal,
				})
			} else {
				res.Warn(fmt.Sprintf("upload figure: %v", err))
			}
		}
	} else {
		res.Warn(WarnDiagramNotFound)
	}

	// бинаризованная страница читается лучше, чем сырое фото
	if data, err := imaging.EncodeJPEG(imaging.CapPixels(bin, imaging.MaxPixels)); err == nil {
		if url, err := p.uploader.Upload(ctx, data, "image/jpeg"); err == nil {
			res.QuestionURLs = append(res.QuestionURLs, url)
			b := page.Bounds()
			rows = append(rows, store.SliceRow{
				Kind:   string(locator.KindQuestion),
				URL:    url,
				Width:  b.Dx(),
				Height: b.Dy(),
				Source: SourceLocal,
			})
		} else {
			res.Warn(fmt.Sprintf("upload page: %v", err))
		}
	}

	if len(rows) > 0 {
		p.saveIndex(ctx, sessionID, hash, rows)
	}
}

func (p *Pipeline) saveIndex(ctx context.Context, sessionID, hash string, rows []store.SliceRow) {
	if p.slices == nil {
		return
	}
	if err := p.slices.ReplaceIndex(ctx, sessionID, hash, rows); err != nil {
		logx.Debug().Err(err).Str("session", sessionID).Msg("slice index save failed")
	}
}

func fillFromRows(res *Result, rows []store.SliceRow) {
	for _, row := range rows {
		switch row.Kind {
		case string(locator.KindFigure):
			res.FigureURLs = append(res.FigureURLs, row.URL)
			if imaging.FigureTooSmall(image.Rect(0, 0, row.Width, row.Height)) {
				res.FigureTooSmall = true
			}
		case string(locator.KindQuestion):
			res.QuestionURLs = append(res.QuestionURLs, row.URL)
		}
	}
	if res.FigureTooSmall {
		res.Warn(WarnFigureTooSmall)
	}
}

// padPixelRect расширяет пиксельный прямоугольник на долю pad с каждой
// стороны, не выходя за границы страницы.
func padPixelRect(r image.Rectangle, bounds image.Rectangle, pad float64) image.Rectangle {
	if pad > imaging.MaxPad {
		pad = imaging.MaxPad
	}
	dx := int(float64(r.Dx()) * pad)
	dy := int(float64(r.Dy()) * pad)
	return image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy).Intersect(bounds)
}
