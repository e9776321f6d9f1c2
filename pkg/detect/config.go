package detect

import (
	"encoding/json"
	"strings"
)

// Request config keys understood by the built-in detectors.
const (
	ConfigThreshold        = "threshold"
	ConfigDenyList         = "denyList"
	ConfigInjectionPhrases = "injectionPhrases"
)

// stringList reads a list of strings from config. It accepts []string, []any of
// strings and comma-separated strings.
func stringList(config map[string]any, key string) []string {
	raw, ok := config[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
