// Package session — состояние одной проверки. Состоянием владеет ровно один
// цикл проверки, поэтому блокировок здесь нет; делиться объектом между
// горутинами нельзя.
package session

import (
	"time"

	"grade-bot/api/internal/tools"
)

type PlanStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type PlanEntry struct {
	Iteration int        `json:"iteration"`
	Plan      []PlanStep `json:"plan"`
	Thoughts  string     `json:"thoughts,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type AttemptStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type State struct {
	ID               string                      `json:"session_id"`
	Subject          string                      `json:"subject,omitempty"`
	ImageURLs        []string                    `json:"image_urls"`
	SliceURLs        map[string][]string         `json:"slice_urls"`
	OCRText          string                      `json:"ocr_text,omitempty"`
	PlanHistory      []PlanEntry                 `json:"plan_history"`
	ToolResults      map[string]tools.ToolResult `json:"tool_results"`
	ReflectionCount  int                         `json:"reflection_count"`
	PartialResults   map[string]any              `json:"partial_results,omitempty"`
	SliceFailedCache map[string]bool             `json:"slice_failed_cache,omitempty"`
	AttemptedTools   map[string]AttemptStatus    `json:"attempted_tools,omitempty"`
	Warnings         []string                    `json:"warnings"`
}

func New(id string, imageURLs []string) *State {
	return &State{
		ID:               id,
		ImageURLs:        imageURLs,
		SliceURLs:        map[string][]string{},
		ToolResults:      map[string]tools.ToolResult{},
		PartialResults:   map[string]any{},
		SliceFailedCache: map[string]bool{},
		AttemptedTools:   map[string]AttemptStatus{},
	}
}

func (s *State) Warn(msg string) {
	if msg != "" {
		s.Warnings = append(s.Warnings, msg)
	}
}

func (s *State) RecordPlan(iteration int, steps []PlanStep, thoughts string) {
	s.PlanHistory = append(s.PlanHistory, PlanEntry{
		Iteration: iteration,
		Plan:      steps,
		Thoughts:  thoughts,
		Timestamp: time.Now(),
	})
}

// RecordTool запоминает последний результат инструмента и его предупреждения.
func (s *State) RecordTool(res tools.ToolResult) {
	s.ToolResults[res.ToolName] = res
	for _, w := range res.Warnings {
		s.Warn(w)
	}
}

func (s *State) MarkAttempt(tool, status, reason string) {
	s.AttemptedTools[tool] = AttemptStatus{Status: status, Reason: reason}
}

// FailedBefore — инструмент уже завершался ошибкой в этой проверке.
func (s *State) FailedBefore(tool string) bool {
	a, ok := s.AttemptedTools[tool]
	return ok && a.Status == tools.StatusError
}

func (s *State) MarkSliceFailed(imageHash string) {
	s.SliceFailedCache[imageHash] = true
}

func (s *State) SliceFailed(imageHash string) bool {
	return s.SliceFailedCache[imageHash]
}

func (s *State) AppendSlices(kind string, urls ...string) {
	if len(urls) == 0 {
		return
	}
	s.SliceURLs[kind] = append(s.SliceURLs[kind], urls...)
}

// SetOCR заменяет текст только на непустой результат.
func (s *State) SetOCR(text string) {
	if text != "" {
		s.OCRText = text
	}
}

// AddTiming накапливает тайминги по стадиям в partial_results.
func (s *State) AddTiming(stage string, ms int64) {
	t := s.Timings()
	t[stage] += ms
	s.PartialResults["timings_ms"] = t
}

func (s *State) Timings() map[string]int64 {
	if t, ok := s.PartialResults["timings_ms"].(map[string]int64); ok {
		return t
	}
	return map[string]int64{}
}
