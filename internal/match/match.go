// Package match decides whether text satisfies a set of literal, regexp or named-file patterns.
package match

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// maxDepth bounds match-file recursion so cyclic files cannot loop forever.
const maxDepth = 10

// Engine holds the named pattern sets referenced by match-file patterns and a compiled
// regexp cache. The zero value is not usable; use New.
type Engine struct {
	mu      sync.RWMutex
	files   map[string]models.Matches
	regexps sync.Map // pattern -> *regexp.Regexp
}

// New creates an Engine with the given named pattern sets.
func New(files map[string]models.Matches) *Engine {
	if files == nil {
		files = map[string]models.Matches{}
	}
	return &Engine{files: files}
}

// SetFile registers or replaces a named pattern set.
func (e *Engine) SetFile(name string, matches models.Matches) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[name] = matches
}

// File returns a named pattern set.
func (e *Engine) File(name string) (models.Matches, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.files[name]
	return m, ok
}

// DoesTextMatch reports whether text satisfies any pattern in matches.
func (e *Engine) DoesTextMatch(matches models.Matches, text string) bool {
	return e.doesTextMatch(matches, strings.TrimSpace(text), 0)
}

func (e *Engine) doesTextMatch(matches models.Matches, text string, depth int) bool {
	if depth > maxDepth {
		slog.Warn("match.DoesTextMatch recursion limit reached", "depth", depth)
		return false
	}
	for pattern, kind := range matches {
		switch kind {
		case "":
			continue
		case models.MatchRegexp:
			re, err := e.compile(pattern)
			if err != nil {
				slog.Error("match.DoesTextMatch invalid regexp", "error", err, "pattern", pattern)
				continue
			}
			if re.MatchString(text) {
				return true
			}
		case models.MatchMatchFile:
			file, ok := e.File(pattern)
			if !ok {
				slog.Error("match.DoesTextMatch unknown match file", "name", pattern)
				continue
			}
			if e.doesTextMatch(file, text, depth+1) {
				return true
			}
		default:
			if strings.EqualFold(strings.TrimSpace(pattern), text) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexps.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	e.regexps.Store(pattern, re)
	return re, nil
}

// LoadDir reads every *.yaml / *.yml file in dir as a pattern map named after the file.
// A missing directory yields an empty table.
func LoadDir(dir string) (map[string]models.Matches, error) {
	files := map[string]models.Matches{}
	if dir == "" {
		return files, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		slog.Debug("match.LoadDir directory missing", "dir", dir)
		return files, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read match files dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read match file %s: %w", path, err)
		}
		var matches models.Matches
		if err := yaml.Unmarshal(data, &matches); err != nil {
			return nil, fmt.Errorf("failed to parse match file %s: %w", path, err)
		}
		files[strings.TrimSuffix(entry.Name(), ext)] = matches
	}
	slog.Debug("match.LoadDir succeeded", "dir", dir, "count", len(files))
	return files, nil
}
