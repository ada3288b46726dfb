package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/retry"
	"grade-bot/api/internal/util"
)

type Engine struct {
	APIKey string
	Model  string
	httpc  *http.Client
}

func New(key, model string) *Engine {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // TCP connect
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// Ждём первые заголовки дольше — это решает проблему context deadline exceeded на TTFB
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}

	return &Engine{
		APIKey: key,
		Model:  model,
		// ВАЖНО: Timeout=0, дедлайн даёт контекст вызова
		httpc: &http.Client{
			Timeout:   0,
			Transport: tr,
		},
	}
}

// WithHTTPClient overrides the internal HTTP client (e.g., for custom timeouts or tracing).
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	if c != nil {
		e.httpc = c
	}
	return e
}

func (e *Engine) Name() string     { return "gpt" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Generate(ctx context.Context, in llm.TextRequest) (llm.Reply, error) {
	return e.call(ctx, in.System, in.User, nil, in.MaxTokens, in.Temperature, in.JSONSchema)
}

func (e *Engine) GenerateVision(ctx context.Context, in llm.VisionRequest) (llm.Reply, error) {
	return e.call(ctx, in.System, in.User, in.Images, in.MaxTokens, in.Temperature, in.JSONSchema)
}

func (e *Engine) call(ctx context.Context, system, user string, images []llm.Image, maxTokens int, temperature float32, schema map[string]any) (llm.Reply, error) {
	if e.APIKey == "" {
		return llm.Reply{}, errors.New("OPENAI_API_KEY is empty")
	}
	model := e.GetModel()

	userContent := []any{
		map[string]any{"type": "input_text", "text": user},
	}
	for _, img := range images {
		u := strings.TrimSpace(img.URL)
		if u == "" && len(img.Data) > 0 {
			mime := util.PickMIME(img.MIME, "", img.Data)
			u = util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(img.Data))
		}
		if u == "" {
			return llm.Reply{}, errors.New("openai: empty image")
		}
		userContent = append(userContent, map[string]any{"type": "input_image", "image_url": u})
	}

	body := map[string]any{
		"model": model,
		"input": []any{
			map[string]any{
				"role": "system",
				"content": []any{
					map[string]any{"type": "input_text", "text": system},
				},
			},
			map[string]any{
				"role":    "user",
				"content": userContent,
			},
		},
		"temperature": temperature,
	}
	if maxTokens > 0 {
		body["max_output_tokens"] = maxTokens
	}
	if schema != nil {
		util.FixJSONSchemaStrict(schema)
		body["text"] = map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "result",
				"strict": true,
				"schema": schema,
			},
		}
	}
	if strings.Contains(model, "gpt-5") {
		body["temperature"] = 1
	}

	payload, _ := json.Marshal(body)

	var env responsesEnvelope
	var raw []byte
	policy := retry.Policy{MaxAttempts: 3, Initial: time.Second, Multiplier: 2, Retryable: transient}
	err := policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/responses", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.APIKey)

		resp, err := e.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ = io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, body: util.TruncateBytes(raw, 512)}
		}
		return json.Unmarshal(raw, &env)
	})
	if err != nil {
		return llm.Reply{}, err
	}

	out := env.text()
	out = util.StripCodeFences(strings.TrimSpace(out))
	if out == "" {
		return llm.Reply{}, fmt.Errorf("responses: empty output; body=%s", util.TruncateBytes(raw, 1024))
	}
	return llm.Reply{Text: out, Usage: env.Usage, ResponseID: env.ID}, nil
}

// responsesEnvelope — конверт Responses API
// (https://platform.openai.com/docs/api-reference/responses/object).
type responsesEnvelope struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage map[string]any `json:"usage"`
}

// text предпочитает output_text, иначе склеивает сегменты output[i].content[j].text.
func (e *responsesEnvelope) text() string {
	if s := strings.TrimSpace(e.OutputText); s != "" {
		return s
	}
	var b strings.Builder
	for _, o := range e.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) == "" {
				continue
			}
			// В живых ответах встречаются и output_text, и text
			if c.Type == "output_text" || c.Type == "text" || c.Type == "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai %d: %s", e.code, e.body)
}

// transient: 429 и 5xx повторяем, остальные статусы — нет; сетевые ошибки повторяем.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}
