package memory

import (
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Apply returns a copy of appData with changes applied. Dotted keys create nested maps.
func Apply(appData map[string]any, changes models.MemoryChanges) map[string]any {
	out := models.CloneMap(appData)
	if out == nil {
		out = map[string]any{}
	}
	for key, value := range changes.Set {
		setPath(out, key, value)
	}
	for _, key := range changes.Unset {
		unsetPath(out, key)
	}
	return out
}

// Get reads a dotted key from appData.
func Get(appData map[string]any, key string) (any, bool) {
	var current any = appData
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func unsetPath(m map[string]any, key string) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}
