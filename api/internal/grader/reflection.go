package grader

import "strings"

// ReflectionResult — вердикт модуля REFLECT: хватает ли улик, чтобы оценивать.
type ReflectionResult struct {
	Pass       bool     `json:"pass"`
	Issues     []string `json:"issues,omitempty"`
	Confidence float64  `json:"confidence"`
	Suggestion string   `json:"suggestion,omitempty"`
}

const (
	issueDiagramNotFound = "diagram region not found"
	remediationHint      = "перезапустить нарезку: кэш, затем разметка, затем OCR"
)

// mentionsDiagramIssue — в списке проблем уже есть жалоба на чертёж.
func mentionsDiagramIssue(issues []string) bool {
	for _, is := range issues {
		low := strings.ToLower(is)
		if strings.Contains(low, "diagram") ||
			strings.Contains(low, "чертеж") || strings.Contains(low, "чертёж") ||
			strings.Contains(low, "схем") {
			return true
		}
	}
	return false
}
