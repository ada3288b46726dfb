package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = sql.ErrNoRows

// SliceRow — одна вырезка в индексе сессии.
type SliceRow struct {
	SessionID   string
	SliceIdx    int
	ImageHash   string
	Kind        string // question | figure
	QuestionIdx int
	URL         string
	Width       int
	Height      int
	Source      string // locator | local
	CreatedAt   time.Time
}

type SliceRepo struct{ DB *sql.DB }

func NewSliceRepo(db *sql.DB) *SliceRepo { return &SliceRepo{DB: db} }

// FindBySession достаёт индекс вырезок сессии для данного снимка, в порядке
// нарезки. Если maxAge > 0 — проверяет "свежесть", иначе игнорирует возраст.
func (r *SliceRepo) FindBySession(ctx context.Context, sessionID, imageHash string, maxAge time.Duration) ([]SliceRow, error) {
	const q = `
select session_id, slice_idx, image_hash, kind,
       coalesce(question_idx,-1) as question_idx,
       url,
       coalesce(width,0) as width,
       coalesce(height,0) as height,
       coalesce(source,'') as source,
       created_at
from page_slices
where session_id = $1 and image_hash = $2
order by slice_idx`
	rows, err := r.DB.QueryContext(ctx, q, sessionID, imageHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SliceRow
	for rows.Next() {
		var s SliceRow
		if err := rows.Scan(&s.SessionID, &s.SliceIdx, &s.ImageHash, &s.Kind,
			&s.QuestionIdx, &s.URL, &s.Width, &s.Height, &s.Source, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	if maxAge > 0 && time.Since(out[0].CreatedAt) > maxAge {
		return nil, ErrNotFound
	}
	return out, nil
}

// ReplaceIndex атомарно переписывает индекс сессии: старые вырезки уходят,
// новые пишутся с порядковыми номерами.
func (r *SliceRepo) ReplaceIndex(ctx context.Context, sessionID, imageHash string, slices []SliceRow) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from page_slices where session_id = $1`, sessionID); err != nil {
		return err
	}

	const q = `
insert into page_slices (session_id, slice_idx, image_hash, kind, question_idx, url, width, height, source)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (session_id, slice_idx) do update
set image_hash = excluded.image_hash,
    kind = excluded.kind,
    question_idx = excluded.question_idx,
    url = excluded.url,
    width = excluded.width,
    height = excluded.height,
    source = excluded.source,
    created_at = now()`
	for i, s := range slices {
		if _, err := tx.ExecContext(ctx, q,
			sessionID, i, imageHash, s.Kind, s.QuestionIdx, s.URL, s.Width, s.Height, s.Source,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PurgeOlderThan удаляет очень старые индексы, чтобы не раздувать БД.
func (r *SliceRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	const q = `delete from page_slices where created_at < $1`
	res, err := r.DB.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
