// Package expression resolves <variable> references and evaluates flow conditionals.
//
// Conditionals use a deliberately small grammar: truthiness, !, &&, ||, parentheses,
// ==, !=, ===, !==, and the .includes(), .startsWith() and .endsWith() methods over
// string, number, boolean and null literals plus variable references. Nothing else is
// reachable from a conditional.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Wildcard is the reference path that resolves to the entire raw user input.
const Wildcard = "*"

// maxSubstitutionDepth bounds recursive substitution of values that themselves contain references.
const maxSubstitutionDepth = 5

var referencePattern = regexp.MustCompile(`<([A-Za-z0-9_.\-\[\]]+|\*)>`)

// Result is the outcome of substituting references in a string.
type Result struct {
	// Output is the input with every reference replaced.
	Output string
	// Context maps placeholder names to the referenced values when context was preserved.
	Context map[string]any
}

// EvaluateReferencedVariables replaces <dotted.path> tokens in input with values from vars.
// With preserveContext, tokens become placeholders ($0, $1, ...) whose typed values are
// returned in Result.Context; otherwise values are rendered as text, recursively.
// It returns nil when input is not a string or contains no reference.
func EvaluateReferencedVariables(input any, vars map[string]any, preserveContext bool) *Result {
	text, ok := input.(string)
	if !ok || !referencePattern.MatchString(text) {
		return nil
	}
	if preserveContext {
		return substituteWithContext(text, vars)
	}
	output := text
	for depth := 0; depth < maxSubstitutionDepth && referencePattern.MatchString(output); depth++ {
		output = referencePattern.ReplaceAllStringFunc(output, func(token string) string {
			value, _ := Lookup(vars, token[1:len(token)-1])
			return Stringify(value)
		})
	}
	return &Result{Output: output, Context: map[string]any{}}
}

// Interpolate returns text with references rendered, or text unchanged if it has none.
func Interpolate(text string, vars map[string]any) string {
	if res := EvaluateReferencedVariables(text, vars, false); res != nil {
		return res.Output
	}
	return text
}

func substituteWithContext(text string, vars map[string]any) *Result {
	ctx := make(map[string]any)
	placeholders := make(map[string]string)
	output := referencePattern.ReplaceAllStringFunc(text, func(token string) string {
		path := token[1 : len(token)-1]
		if name, ok := placeholders[path]; ok {
			return name
		}
		name := "$" + strconv.Itoa(len(placeholders))
		placeholders[path] = name
		value, _ := Lookup(vars, path)
		ctx[name] = value
		return name
	})
	return &Result{Output: output, Context: ctx}
}

// Lookup resolves a dotted path (with optional [n] indexes) against vars.
// The wildcard path "*" resolves to the raw input.
func Lookup(vars map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if path == Wildcard {
		v, ok := vars[models.InputVariable]
		return v, ok
	}
	var current any = vars
	for _, segment := range splitPath(path) {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// splitPath turns "a.b[2].c" into ["a", "b", "2", "c"].
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Stringify renders a variable value as message text.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Truthy applies loose truthiness: nil, false, 0, NaN and "" are false.
func Truthy(value any) bool {
	switch v := normalize(value).(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && v == v
	case string:
		return v != ""
	default:
		return true
	}
}
