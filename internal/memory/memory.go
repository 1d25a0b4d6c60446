// Package memory computes and applies changes to a user's appData key/value store.
//
// PrepareChanges is pure: it derives a MemoryChanges set from a memory definition, the
// current appData and the variable context. Apply folds a change set into a copy of appData.
// Persisting the result atomically is the caller's job (see store.UserRepo.UpdateUserMemory).
package memory

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/expression"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultErrorMessage is sent when a required field cannot be derived and nothing more specific is configured.
const DefaultErrorMessage = "Sorry, I didn't understand that. Please try again."

var (
	leadingInt   = regexp.MustCompile(`^[+-]?\d+`)
	leadingFloat = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
	singleRef    = regexp.MustCompile(`^<([A-Za-z0-9_.\-\[\]]+|\*)>$`)
)

// PrepareChanges computes the set/unset change set for def. existing is the user's current
// appData and vars is the full variable context, whose "input" entry is the raw incoming message.
// A required field that cannot be derived yields a *models.ValidationError.
func PrepareChanges(def models.MemoryDefinition, existing map[string]any, defaultErrorMessage string, vars map[string]any) (models.MemoryChanges, error) {
	changes := models.MemoryChanges{Set: map[string]any{}}
	if len(def) == 0 {
		return changes, nil
	}

	keys := make([]string, 0, len(def))
	for k := range def {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputText := ""
	if v, ok := expression.Lookup(vars, models.InputVariable+".text"); ok {
		inputText = expression.Stringify(v)
	}

	for _, key := range keys {
		field := def[key]
		op := field.EffectiveOperation()
		if op == models.MemoryUnset {
			changes.Unset = append(changes.Unset, key)
			continue
		}

		current, _ := Get(existing, key)
		value, err := candidateValue(field, op, current, inputText, vars)
		if err != nil {
			return models.MemoryChanges{}, err
		}

		if field.IsRequired() && isMissing(value) {
			slog.Debug("memory.PrepareChanges required field missing", "field", key, "operation", op)
			return models.MemoryChanges{}, models.NewValidationError(key, errorMessageFor(field, defaultErrorMessage))
		}

		value = transform(value, field.EffectiveTransform())
		if value == nil {
			if field.IsRequired() {
				return models.MemoryChanges{}, models.NewValidationError(key, errorMessageFor(field, defaultErrorMessage))
			}
			changes.Unset = append(changes.Unset, key)
			continue
		}

		if op == models.MemoryPush {
			value = pushValue(current, value)
		}
		changes.Set[key] = value
	}

	slog.Debug("memory.PrepareChanges succeeded", "set", len(changes.Set), "unset", len(changes.Unset))
	return changes, nil
}

func candidateValue(field models.MemoryField, op models.MemoryOperation, current any, inputText string, vars map[string]any) (any, error) {
	switch op {
	case models.MemoryIncrement, models.MemoryDecrement:
		amount := 1.0
		if field.Amount != nil {
			amount = *field.Amount
		}
		if op == models.MemoryDecrement {
			amount = -amount
		}
		base := toFloat(current)
		if math.IsNaN(base) {
			base = 0
		}
		return base + amount, nil
	case models.MemorySet, models.MemoryPush:
	default:
		return nil, fmt.Errorf("unknown memory operation %q", op)
	}

	switch {
	case field.Value != nil:
		if s, ok := field.Value.(string); ok {
			if m := singleRef.FindStringSubmatch(s); m != nil {
				v, _ := expression.Lookup(vars, m[1])
				return v, nil
			}
			return expression.Interpolate(s, vars), nil
		}
		return field.Value, nil
	case field.Regexp != "":
		re, err := regexp.Compile("(?i)" + field.Regexp)
		if err != nil {
			return nil, fmt.Errorf("invalid memory regexp %q: %w", field.Regexp, err)
		}
		m := re.FindStringSubmatch(inputText)
		if m == nil {
			return nil, nil
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	case field.Reference != "":
		ref := strings.TrimSuffix(strings.TrimPrefix(field.Reference, "<"), ">")
		v, _ := expression.Lookup(vars, ref)
		return v, nil
	default:
		if inputText == "" {
			return nil, nil
		}
		return inputText, nil
	}
}

// isMissing treats nil and the empty string as absent. Zero and false are real answers.
func isMissing(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func errorMessageFor(field models.MemoryField, fallback string) string {
	if field.ErrorMessage != "" {
		return field.ErrorMessage
	}
	if fallback != "" {
		return fallback
	}
	return DefaultErrorMessage
}

func pushValue(current, value any) any {
	switch existing := current.(type) {
	case nil:
		return []any{value}
	case []any:
		out := make([]any, 0, len(existing)+1)
		out = append(out, existing...)
		return append(out, value)
	default:
		return []any{existing, value}
	}
}

// transform converts v; it returns nil when the value cannot be represented.
func transform(v any, t models.MemoryTransform) any {
	if v == nil {
		return nil
	}
	switch t {
	case models.TransformLowercase:
		if s, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(s))
		}
		return v
	case models.TransformUppercase:
		if s, ok := v.(string); ok {
			return strings.ToUpper(strings.TrimSpace(s))
		}
		return v
	case models.TransformInteger:
		if s, ok := v.(string); ok {
			m := leadingInt.FindString(strings.TrimSpace(s))
			if m == "" {
				return nil
			}
			n, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil
			}
			return float64(n)
		}
		f := toFloat(v)
		if math.IsNaN(f) {
			return nil
		}
		return math.Trunc(f)
	case models.TransformFloat:
		f := toFloat(v)
		if s, ok := v.(string); ok {
			m := leadingFloat.FindString(strings.TrimSpace(s))
			if m == "" {
				return nil
			}
			f, _ = strconv.ParseFloat(m, 64)
		}
		if math.IsNaN(f) {
			return nil
		}
		return f
	case models.TransformBoolean:
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "yes", "y", "1", "on":
				return true
			case "false", "no", "n", "0", "off", "":
				return false
			}
		}
		return expression.Truthy(v)
	case models.TransformTime:
		return toTime(v)
	default:
		return v
	}
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

func toTime(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339)
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC().Format(time.RFC3339)
			}
		}
	}
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}
