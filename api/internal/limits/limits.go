// Package limits ограничивает параллелизм между независимыми проверками:
// два процессных семафора (vision и LLM) плюс пул для вызовов инструментов.
package limits

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type Limiter struct {
	vision *semaphore.Weighted
	llm    *semaphore.Weighted
}

func New(visionSlots, llmSlots int64) *Limiter {
	if visionSlots < 1 {
		visionSlots = 1
	}
	if llmSlots < 1 {
		llmSlots = 1
	}
	return &Limiter{
		vision: semaphore.NewWeighted(visionSlots),
		llm:    semaphore.NewWeighted(llmSlots),
	}
}

func (l *Limiter) WithVision(ctx context.Context, fn func(context.Context) error) error {
	if err := l.vision.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.vision.Release(1)
	return fn(ctx)
}

func (l *Limiter) WithLLM(ctx context.Context, fn func(context.Context) error) error {
	if err := l.llm.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.llm.Release(1)
	return fn(ctx)
}

// Pool — ограниченный пул для блокирующих вызовов с ожиданием по контексту.
type Pool struct {
	sem *semaphore.Weighted
}

func NewPool(size int64) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Do занимает слот, выполняет fn в отдельной горутине и ждёт результат либо
// конца контекста. Слот освобождается по завершении fn.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
