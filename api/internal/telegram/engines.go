package telegram

import (
	"grade-bot/api/internal/llm"
	"grade-bot/api/internal/llm/gemini"
	"grade-bot/api/internal/llm/openai"
)

// Engines — сконфигурированные движки процесса; nil — движок не настроен.
type Engines struct {
	Gemini *gemini.Engine
	OpenAI *openai.Engine
}

func (e Engines) byName(name string) llm.Engine {
	switch name {
	case "gemini":
		if e.Gemini != nil {
			return e.Gemini
		}
	case "gpt", "openai":
		if e.OpenAI != nil {
			return e.OpenAI
		}
	}
	return nil
}

func (e Engines) names() []string {
	var out []string
	if e.Gemini != nil {
		out = append(out, "gemini")
	}
	if e.OpenAI != nil {
		out = append(out, "gpt")
	}
	return out
}
