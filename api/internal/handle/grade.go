package handle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/util"
)

// --- GRADE ------------------------------------------------------------------

const (
	maxImagesPerRequest = 8
	maxImageBytes       = 20 << 20
)

type gradeReq struct {
	SessionID string   `json:"session_id,omitempty"`
	ChatID    int64    `json:"chat_id,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Images    []string `json:"images,omitempty"` // base64 либо data:URI
	ImageURLs []string `json:"image_urls,omitempty"`
	Force     bool     `json:"force,omitempty"` // true — мимо кэша
}

func (h *Handle) Grade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req gradeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Минимальные проверки входа
	if len(req.Images) == 0 && len(req.ImageURLs) == 0 {
		http.Error(w, "images or image_urls is required", http.StatusBadRequest)
		return
	}
	if len(req.Images)+len(req.ImageURLs) > maxImagesPerRequest {
		http.Error(w, fmt.Sprintf("too many images (max %d)", maxImagesPerRequest), http.StatusBadRequest)
		return
	}

	deadline := 240 * time.Second
	if ts := r.Header.Get("X-Request-Timeout"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			deadline = time.Duration(v) * time.Second
		}
	} else if ts := r.URL.Query().Get("timeoutSec"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			deadline = time.Duration(v) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	images, err := h.collectImages(ctx, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	hash := util.SHA256Hex(images[0])
	if !req.Force && h.results != nil {
		if row, err := h.results.FindByHash(ctx, hash, req.Subject, h.engine, h.model, h.cacheMaxAge); err == nil {
			writeJSON(w, http.StatusOK, row.Result)
			return
		}
	}

	res := h.runner.Run(ctx, grader.Request{
		SessionID: sessionID,
		ChatID:    req.ChatID,
		Subject:   req.Subject,
		Images:    images,
	})
	if h.results != nil && res.Status == grade.StatusDone {
		_ = h.results.Upsert(ctx, req.ChatID, sessionID, hash, req.Subject, h.engine, h.model, res)
	}
	writeJSON(w, http.StatusOK, res)
}

// collectImages декодирует base64-вложения и скачивает image_urls, в этом порядке.
func (h *Handle) collectImages(ctx context.Context, req gradeReq) ([][]byte, error) {
	images := make([][]byte, 0, len(req.Images)+len(req.ImageURLs))
	for i, s := range req.Images {
		b, _, err := util.DecodeBase64MaybeDataURL(s)
		if err != nil {
			return nil, fmt.Errorf("images[%d]: bad base64: %w", i, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("images[%d]: empty payload", i)
		}
		images = append(images, b)
	}
	for i, u := range req.ImageURLs {
		b, err := h.fetchImage(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("image_urls[%d]: %w", i, err)
		}
		images = append(images, b)
	}
	return images, nil
}

func (h *Handle) fetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("fetch: empty body")
	}
	if len(b) > maxImageBytes {
		return nil, fmt.Errorf("fetch: image exceeds %d bytes", maxImageBytes)
	}
	return b, nil
}
