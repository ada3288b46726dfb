// Package imagestore публикует вырезанные фрагменты так, чтобы их могли
// скачать LLM-провайдеры: GCS-бакет или data-URL, если бакета нет.
package imagestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"grade-bot/api/internal/util"
)

type Uploader interface {
	Name() string
	Upload(ctx context.Context, data []byte, mime string) (string, error)
}

// GCS пишет объекты в бакет и возвращает публичный URL.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix, credsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Upload(ctx context.Context, data []byte, mime string) (string, error) {
	object := path.Join(g.prefix, uuid.NewString()+extFor(mime))

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = mime
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", object, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, object), nil
}

func (g *GCS) Close() error { return g.client.Close() }

// Inline не хранит ничего: фрагмент уезжает провайдеру прямо в URL.
type Inline struct{}

func (Inline) Name() string { return "inline" }

func (Inline) Upload(_ context.Context, data []byte, mime string) (string, error) {
	return util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(data)), nil
}

func extFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
