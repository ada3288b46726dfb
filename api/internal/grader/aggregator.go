package grader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/imaging"
	"grade-bot/api/internal/limits"
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/session"
	"grade-bot/api/internal/util"
)

// Aggregator — модуль GRADE: ровно один vision-вызов с лучшими из собранных
// картинок и строгой схемой ответа.
type Aggregator struct {
	eng     llm.Engine
	limiter *limits.Limiter

	// preferDataURI — в этом окружении провайдер ненадёжно ходит по внешним
	// URL, оригинал уезжает data-URI вместо байтов.
	preferDataURI bool
}

func NewAggregator(eng llm.Engine, limiter *limits.Limiter, preferDataURI bool) *Aggregator {
	return &Aggregator{eng: eng, limiter: limiter, preferDataURI: preferDataURI}
}

type AggregateOut struct {
	Model      grade.ModelOutput
	Usage      any
	FailReason string // "" | parse_failed | llm_failed
	Err        error
}

func (a *Aggregator) Aggregate(ctx context.Context, st *session.State, figureTooSmall bool, originals [][]byte) AggregateOut {
	images := a.pickImages(st, figureTooSmall, originals)

	schema, err := util.LoadPromptSchema("grade")
	if err != nil {
		return AggregateOut{FailReason: grade.ReasonLLMFailed, Err: err}
	}
	req := llm.VisionRequest{
		System:     util.LoadSystemPrompt("grade"),
		User:       aggregateDigest(st),
		Images:     images,
		JSONSchema: schema,
	}

	var reply llm.Reply
	call := func(ctx context.Context) error {
		var err error
		reply, err = a.eng.GenerateVision(ctx, req)
		return err
	}
	if a.limiter != nil {
		err = a.limiter.WithLLM(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return AggregateOut{FailReason: grade.ReasonLLMFailed, Err: err}
	}

	raw, ok := parseWithRepair(reply.Text)
	if !ok {
		return AggregateOut{
			Usage:      reply.Usage,
			FailReason: grade.ReasonParseFailed,
			Err:        fmt.Errorf("ответ модели не содержит валидного JSON"),
		}
	}
	return AggregateOut{Model: grade.ParseModelOutput(raw), Usage: reply.Usage}
}

// parseWithRepair: сначала наивный разбор, затем одна попытка починки —
// вытащить первый сбалансированный JSON-объект из окружающего текста.
func parseWithRepair(text string) (map[string]any, bool) {
	cleaned := util.StripCodeFences(text)
	var m map[string]any
	if err := json.Unmarshal([]byte(cleaned), &m); err == nil {
		return m, true
	}
	repaired, ok := util.ExtractJSONObject(text)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil, false
	}
	return m, true
}

// pickImages — приоритет источников: нормальные вырезки чертежа, затем
// вырезки вопросов, затем ужатый оригинал, затем оригинал data-URI.
func (a *Aggregator) pickImages(st *session.State, figureTooSmall bool, originals [][]byte) []llm.Image {
	if figs := st.SliceURLs["figure"]; len(figs) > 0 && !figureTooSmall {
		return urlImages(figs)
	}
	if qs := st.SliceURLs["question"]; len(qs) > 0 {
		return urlImages(qs)
	}

	images := make([]llm.Image, 0, len(originals))
	for _, orig := range originals {
		data := orig
		mime := util.SniffMimeHTTP(orig)
		if decoded, err := imaging.Decode(orig); err == nil {
			if enc, err := imaging.EncodeJPEG(imaging.CapPixels(decoded, imaging.MaxPixels)); err == nil {
				data = enc
				mime = "image/jpeg"
			}
		}
		if a.preferDataURI {
			images = append(images, llm.Image{URL: util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(data))})
		} else {
			images = append(images, llm.Image{Data: data, MIME: mime})
		}
	}
	return images
}

func urlImages(urls []string) []llm.Image {
	out := make([]llm.Image, 0, len(urls))
	for _, u := range urls {
		out = append(out, llm.Image{URL: u})
	}
	return out
}

func aggregateDigest(st *session.State) string {
	digest := map[string]any{}
	if st.Subject != "" {
		digest["предмет"] = st.Subject
	}
	if st.OCRText != "" {
		digest["ocr_text"] = st.OCRText
	}
	if len(st.Warnings) > 0 {
		digest["warnings"] = st.Warnings
	}
	b, _ := json.Marshal(digest)
	return "Проверь все задания на приложенных изображениях.\nКонтекст:\n" + string(b)
}
