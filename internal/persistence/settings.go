package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// DefaultTimeout bounds a single backend call when no timeout_ms is set.
const DefaultTimeout = 30 * time.Second

func stringSetting(settings map[string]interface{}, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolSetting(settings map[string]interface{}, key string, def bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return def
}

// timeoutSetting reads timeout_ms. YAML decodes integers as int, JSON as float64.
func timeoutSetting(settings map[string]interface{}) time.Duration {
	switch v := settings["timeout_ms"].(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return DefaultTimeout
}

func requireSetting(settings map[string]interface{}, key, storageType string) (string, error) {
	v := stringSetting(settings, key, "")
	if v == "" {
		return "", fmt.Errorf("%s requires the %q setting", storageType, key)
	}
	return v, nil
}

// secretKey is the backend key for c: the rendered coordinate, with an
// optional prefix for managed coordinates only. External ids are used as-is.
func secretKey(prefix string, c coordinate.Coordinate) string {
	rendered := coordinate.Render(c)
	if coordinate.IsManaged(c) && prefix != "" {
		return strings.TrimSuffix(prefix, "/") + "/" + rendered
	}
	return rendered
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
