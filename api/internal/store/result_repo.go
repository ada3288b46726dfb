package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"grade-bot/api/internal/grade"
)

type ResultRepo struct{ DB *sql.DB }

func NewResultRepo(db *sql.DB) *ResultRepo { return &ResultRepo{DB: db} }

// ResultRow — то, что чаще всего нужно наверх.
type ResultRow struct {
	ID        int64
	CreatedAt time.Time
	ChatID    int64
	SessionID string
	ImageHash string
	Subject   string
	Engine    string
	Model     string
	Result    grade.Result
}

// FindByHash достаёт самую свежую проверку по ключу
// (image_hash + subject + engine + model).
// Если maxAge > 0 — проверяет "свежесть", иначе игнорирует возраст.
func (r *ResultRepo) FindByHash(ctx context.Context, imageHash, subject, engine, model string, maxAge time.Duration) (*ResultRow, error) {
	const q = `
select id, created_at,
       coalesce(chat_id,0) as chat_id,
       coalesce(session_id,'') as session_id,
       image_hash, coalesce(subject,'') as subject, engine, model,
       result_json
from graded_results
where image_hash = $1 and subject = $2 and engine = $3 and model = $4
order by created_at desc
limit 1`
	row := r.DB.QueryRowContext(ctx, q, imageHash, subject, engine, model)

	var (
		id        int64
		ts        time.Time
		chatID    int64
		sessionID string
		imgHash   string
		subj      string
		engName   string
		modelName string
		js        []byte
	)
	if err := row.Scan(&id, &ts, &chatID, &sessionID, &imgHash, &subj, &engName, &modelName, &js); err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(ts) > maxAge {
		return nil, ErrNotFound
	}
	var gr grade.Result
	if err := json.Unmarshal(js, &gr); err != nil {
		// если JSON поломан — считаем, что не найдено
		return nil, ErrNotFound
	}
	return &ResultRow{
		ID:        id,
		CreatedAt: ts,
		ChatID:    chatID,
		SessionID: sessionID,
		ImageHash: imgHash,
		Subject:   subj,
		Engine:    engName,
		Model:     modelName,
		Result:    gr,
	}, nil
}

// Upsert сохраняет итог проверки. Если запись по
// (image_hash, subject, engine, model) существует — обновит все поля.
func (r *ResultRepo) Upsert(
	ctx context.Context,
	chatID int64,
	sessionID, imageHash, subject, engine, model string,
	gr grade.Result,
) error {
	js, _ := json.Marshal(gr)
	const q = `
insert into graded_results (
  chat_id, session_id, image_hash, subject, engine, model,
  result_json, status, needs_review, iterations
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (image_hash, subject, engine, model) do update
set chat_id = excluded.chat_id,
    session_id = excluded.session_id,
    result_json = excluded.result_json,
    status = excluded.status,
    needs_review = excluded.needs_review,
    iterations = excluded.iterations,
    created_at = now()`
	_, err := r.DB.ExecContext(ctx, q,
		chatID, sessionID, imageHash, subject, engine, model,
		js, gr.Status, gr.NeedsReview, gr.Iterations,
	)
	return err
}

// PurgeOlderThan удаляет очень старые записи-кэши, чтобы не раздувать БД.
func (r *ResultRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	const q = `delete from graded_results where created_at < $1`
	res, err := r.DB.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
