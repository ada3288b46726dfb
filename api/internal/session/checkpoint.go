package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"grade-bot/api/internal/logx"
)

const checkpointKeyPrefix = "grader:sess:"

// Checkpointer пишет снимок состояния в Redis после каждой итерации цикла.
// Снимки нужны только для наблюдаемости: проверка их не читает, ключи
// умирают по TTL.
type Checkpointer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCheckpointer(rdb *redis.Client, ttl time.Duration) *Checkpointer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Checkpointer{rdb: rdb, ttl: ttl}
}

// Save не возвращает ошибку: сбой чекпоинта не должен ломать проверку.
func (c *Checkpointer) Save(ctx context.Context, st *State) {
	if c == nil || c.rdb == nil || st == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		logx.Debug().Err(err).Str("session", st.ID).Msg("checkpoint marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, checkpointKeyPrefix+st.ID, payload, c.ttl).Err(); err != nil {
		logx.Debug().Err(err).Str("session", st.ID).Msg("checkpoint save failed")
	}
}

// Load достаёт последний снимок сессии. Живая проверка снимки не читает,
// это ручка для отладки.
func (c *Checkpointer) Load(ctx context.Context, sessionID string) (*State, error) {
	if c == nil || c.rdb == nil {
		return nil, redis.Nil
	}
	payload, err := c.rdb.Get(ctx, checkpointKeyPrefix+sessionID).Bytes()
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
