package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/retry"
	"grade-bot/api/internal/util"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type Engine struct {
	APIKey string
	Model  string
	httpc  *http.Client // скачивание картинок по обычным URL
}

func New(apiKey, model string) *Engine {
	return &Engine{
		APIKey: strings.TrimSpace(apiKey),
		Model:  strings.TrimSpace(model),
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Generate(ctx context.Context, in llm.TextRequest) (llm.Reply, error) {
	return e.generate(ctx, in.System, in.User, nil, in.MaxTokens, in.Temperature, in.JSONSchema)
}

func (e *Engine) GenerateVision(ctx context.Context, in llm.VisionRequest) (llm.Reply, error) {
	return e.generate(ctx, in.System, in.User, in.Images, in.MaxTokens, in.Temperature, in.JSONSchema)
}

func (e *Engine) generate(ctx context.Context, system, user string, images []llm.Image, maxTokens int, temperature float32, schema map[string]any) (llm.Reply, error) {
	if e.APIKey == "" {
		return llm.Reply{}, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return llm.Reply{}, err
	}
	defer cl.Close()

	m := cl.GenerativeModel(strings.TrimSpace(e.Model))
	if m == nil {
		return llm.Reply{}, fmt.Errorf("gemini: model is nil")
	}
	cfg := genai.GenerationConfig{
		Temperature: ptrFloat32(temperature),
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = ptrInt32(int32(maxTokens))
	}
	if schema != nil {
		// Возвращаем строго JSON
		cfg.ResponseMIMEType = "application/json"
	}
	m.GenerationConfig = cfg

	if system != "" {
		sysParts := []genai.Part{genai.Text(system)}
		if schema != nil {
			raw, _ := json.Marshal(schema)
			sysParts = append(sysParts, genai.Text("schema:\n"+string(raw)))
		}
		m.SystemInstruction = &genai.Content{Parts: sysParts}
	}

	parts := []genai.Part{genai.Text(user)}
	for _, img := range images {
		blob, err := e.imageBlob(ctx, img)
		if err != nil {
			return llm.Reply{}, fmt.Errorf("gemini: image: %w", err)
		}
		parts = append(parts, blob)
	}

	// Ретраи на случай 5xx/транзиентных сбоев
	var resp *genai.GenerateContentResponse
	err = retry.LLM().Do(ctx, func() error {
		var genErr error
		resp, genErr = m.GenerateContent(ctx, parts...)
		return genErr
	})
	if err != nil {
		return llm.Reply{}, err
	}

	txt := firstText(resp)
	if txt == "" {
		return llm.Reply{}, fmt.Errorf("gemini: empty response")
	}
	return llm.Reply{
		Text:  util.StripCodeFences(strings.TrimSpace(txt)),
		Usage: resp.UsageMetadata,
	}, nil
}

// imageBlob приводит картинку к genai.Blob: байты как есть, data:URI декодируем,
// обычный URL скачиваем (Gemini сам чужие URL не тянет).
func (e *Engine) imageBlob(ctx context.Context, img llm.Image) (*genai.Blob, error) {
	if len(img.Data) > 0 {
		return &genai.Blob{MIMEType: util.PickMIME(img.MIME, "", img.Data), Data: img.Data}, nil
	}
	u := strings.TrimSpace(img.URL)
	if strings.HasPrefix(u, "data:") {
		b, mime, err := util.DecodeBase64MaybeDataURL(u)
		if err != nil {
			return nil, err
		}
		return &genai.Blob{MIMEType: util.PickMIME(img.MIME, mime, b), Data: b}, nil
	}
	if u == "" {
		return nil, errors.New("empty image")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %d", u, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return nil, err
	}
	return &genai.Blob{MIMEType: util.PickMIME(img.MIME, "", b), Data: b}, nil
}

// --------------------------- helpers ---------------------------

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
func ptrInt32(v int32) *int32       { return &v }
