package executor

import (
	"time"
)

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getNumber извлекает число из map. JSON даёт float64, Go-код — int.
func getNumber(m map[string]any, key string) (float64, bool) {
	val, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// getDuration извлекает неотрицательную длительность в единицах unit.
func getDuration(m map[string]any, key string, unit time.Duration) time.Duration {
	v, ok := getNumber(m, key)
	if !ok || v <= 0 {
		return 0
	}
	return time.Duration(v * float64(unit))
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
