// Package retry — единая политика повторов для внешних вызовов (LLM, локатор, OCR).
package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxAttempts int           // всего попыток, включая первую
	Initial     time.Duration // пауза перед вторым заходом
	Multiplier  float64
	Retryable   func(error) bool // nil — повторяем любую ошибку
}

// Tool — политика для вызова инструмента: одна повторная попытка.
func Tool() Policy {
	return Policy{MaxAttempts: 2, Initial: 500 * time.Millisecond, Multiplier: 2}
}

// LLM — политика для генераций: до трёх заходов на транзиентные сбои.
func LLM() Policy {
	return Policy{MaxAttempts: 3, Initial: 300 * time.Millisecond, Multiplier: 2}
}

// RateLimit — не более двух дополнительных заходов, только на rate limit.
func RateLimit() Policy {
	return Policy{MaxAttempts: 3, Initial: time.Second, Multiplier: 2, Retryable: IsRateLimited}
}

// Do выполняет fn по политике p. Неретраябельная ошибка возвращается сразу.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	if p.Multiplier > 0 {
		bo.Multiplier = p.Multiplier
	}
	wrapped := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, wrapped)
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

// RetryAfterHint вытаскивает задержку из текста ошибки (429 от Telegram и пр.).
func RetryAfterHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") {
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return 2 * time.Second
		}
	}
	return time.Second
}

// IsRateLimited распознаёт rate limit по известным сигнатурам текста/статуса.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "resource exhausted") ||
		strings.Contains(s, "quota")
}

// IsTimeout — таймаут сети или дедлайн контекста.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
