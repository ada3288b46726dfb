// Package llm — контракт текст/vision-движков и менеджер выбора движка.
package llm

import (
	"context"
	"sync"
)

// Image — картинка для vision-вызова: либо байты, либо URL (включая data:URI).
type Image struct {
	Data []byte
	MIME string
	URL  string
}

type Reply struct {
	Text       string
	Usage      any // usage-запись провайдера как есть; бюджет разберёт сам
	ResponseID string
}

type TextRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
	JSONSchema  map[string]any // не nil — просим строгий JSON по схеме
}

type VisionRequest struct {
	System      string
	User        string
	Images      []Image
	MaxTokens   int
	Temperature float32
	JSONSchema  map[string]any
}

type Engine interface {
	Name() string
	GetModel() string
	Generate(ctx context.Context, in TextRequest) (Reply, error)
	GenerateVision(ctx context.Context, in VisionRequest) (Reply, error)
}

type Manager struct {
	def Engine
	m   sync.Map // sessionID -> Engine
}

func NewManager(defaultEngine Engine) *Manager {
	return &Manager{def: defaultEngine}
}

func (m *Manager) Get(sessionID string) Engine {
	if v, ok := m.m.Load(sessionID); ok {
		return v.(Engine)
	}
	return m.def
}

func (m *Manager) Set(sessionID string, e Engine) {
	m.m.Store(sessionID, e)
}
