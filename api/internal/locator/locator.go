// Package locator — клиент сервиса разметки страницы. Сервис возвращает
// нормализованные рамки вопросов и чертежей, дальше страницу режем сами.
package locator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grade-bot/api/internal/imaging"
	"grade-bot/api/internal/retry"
	"grade-bot/api/internal/util"
)

type Kind string

const (
	KindQuestion Kind = "question"
	KindFigure   Kind = "figure"
)

// Region — одна размеченная область страницы. QuestionIdx = -1, если сервис
// не привязал область к номеру задания.
type Region struct {
	Kind        Kind
	Box         imaging.NormRect
	QuestionIdx int
}

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Enabled — сервис сконфигурирован. Без него конвейер сразу падает на
// локальный разбор страницы.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type locateRequest struct {
	ImageBase64 string `json:"image"`
	MIME        string `json:"mime"`
}

type wireRegion struct {
	Kind        string    `json:"kind"`
	Bbox        []float64 `json:"bbox"`
	QuestionIdx *int      `json:"question_idx,omitempty"`
}

type locateResponse struct {
	Regions []wireRegion `json:"regions"`
}

func (c *Client) Locate(ctx context.Context, image []byte, mime string) ([]Region, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("locator не сконфигурирован")
	}

	payload, err := json.Marshal(locateRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		MIME:        mime,
	})
	if err != nil {
		return nil, err
	}

	var out locateResponse
	policy := retry.Tool()
	policy.Retryable = transient
	err = policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/locate", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("locator: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, body: util.TruncateBytes(body, 300)}
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("locator decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sanitize(out.Regions), nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("locator status %d: %s", e.code, e.body)
}

// transient: 429 и 5xx повторяем, остальные статусы — нет; сетевые ошибки повторяем.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// sanitize отбрасывает мусорные рамки и приводит координаты в [0,1].
func sanitize(raw []wireRegion) []Region {
	regions := make([]Region, 0, len(raw))
	for _, r := range raw {
		if len(r.Bbox) != 4 {
			continue
		}
		box := imaging.NormRect{X0: r.Bbox[0], Y0: r.Bbox[1], X1: r.Bbox[2], Y1: r.Bbox[3]}.Clamp()
		if !box.Valid() {
			continue
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(r.Kind)))
		if kind != KindQuestion && kind != KindFigure {
			continue
		}
		idx := -1
		if r.QuestionIdx != nil && *r.QuestionIdx >= 0 {
			idx = *r.QuestionIdx
		}
		regions = append(regions, Region{Kind: kind, Box: box, QuestionIdx: idx})
	}
	return regions
}
