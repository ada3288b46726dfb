package util

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ExtractJSON достаёт JSON-объект из ответа модели: снимает кодовые заборы
// и вырезает первый сбалансированный {...} из окружающей прозы.
func ExtractJSON(content string) string {
	trimmed := StripCodeFences(content)
	if trimmed == "" {
		return trimmed
	}
	if obj, ok := ExtractJSONObject(trimmed); ok {
		return obj
	}
	return trimmed
}

// ExtractJSONObject находит первый полный JSON-объект с учётом строк и экранирования.
func ExtractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}

// AsInt приводит значение произвольного типа (int/float/строка) к int.
func AsInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
		if f, err := v.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
