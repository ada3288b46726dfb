// Package ocr — провайдеры распознавания текста для инструмента ocr_fallback.
package ocr

import (
	"context"
	"fmt"
	"strings"
)

type Options struct {
	Langs []string // ["ru","en"] по умолчанию
	Model string   // у Yandex: "handwritten" | "page"
}

type Provider interface {
	Name() string
	Recognize(ctx context.Context, image []byte, opt Options) (string, error)
}

// Registry — провайдеры по имени + провайдер по умолчанию.
type Registry struct {
	def  Provider
	byID map[string]Provider
}

func NewRegistry(def Provider, extra ...Provider) *Registry {
	r := &Registry{def: def, byID: map[string]Provider{}}
	if def != nil {
		r.byID[def.Name()] = def
	}
	for _, p := range extra {
		if p != nil {
			r.byID[p.Name()] = p
		}
	}
	return r
}

// Pick возвращает провайдера по имени; пустое имя — дефолтный.
func (r *Registry) Pick(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		if r.def == nil {
			return nil, fmt.Errorf("no default ocr provider")
		}
		return r.def, nil
	}
	if p, ok := r.byID[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown ocr provider %q", name)
}
