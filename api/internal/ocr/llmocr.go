package ocr

import (
	"context"
	"fmt"
	"strings"

	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/util"
)

// LLMProvider гонит страницу через vision-движок с OCR-промптом.
// Запасной путь, когда Yandex OCR не настроен или упал.
type LLMProvider struct {
	eng llm.Engine
}

func NewLLMProvider(eng llm.Engine) *LLMProvider {
	return &LLMProvider{eng: eng}
}

func (p *LLMProvider) Name() string { return p.eng.Name() }

func (p *LLMProvider) Recognize(ctx context.Context, image []byte, _ Options) (string, error) {
	reply, err := p.eng.GenerateVision(ctx, llm.VisionRequest{
		System: util.LoadSystemPrompt("ocr"),
		User:   "Перепиши текст со страницы.",
		Images: []llm.Image{{Data: image}},
	})
	if err != nil {
		return "", fmt.Errorf("%s ocr: %w", p.eng.Name(), err)
	}
	return strings.TrimSpace(reply.Text), nil
}
