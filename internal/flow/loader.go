package flow

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// LoadStaticDir reads every YAML file under dir. A file onboarding/intro.yaml holding a list
// yields static://onboarding/intro, static://onboarding/intro#1 and so on; a single mapping
// yields one flow. An explicit uri in the file wins. A missing dir yields no flows.
func LoadStaticDir(dir string) ([]models.Flow, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.Warn("Flows directory does not exist", "dir", dir)
		return nil, nil
	}
	var flows []models.Flow
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		base := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read flow file %s: %w", path, err)
		}
		fileFlows, err := ParseFlows(data, base)
		if err != nil {
			return fmt.Errorf("parse flow file %s: %w", path, err)
		}
		flows = append(flows, fileFlows...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Static flows loaded", "dir", dir, "count", len(flows))
	return flows, nil
}

// ParseFlows decodes one flow file whose flows are addressed under base.
func ParseFlows(data []byte, base string) ([]models.Flow, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	node := root.Content[0]

	var flows []models.Flow
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&flows); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var f models.Flow
		if err := node.Decode(&f); err != nil {
			return nil, err
		}
		flows = []models.Flow{f}
	default:
		return nil, fmt.Errorf("expected a flow or a list of flows")
	}

	for i := range flows {
		if flows[i].URI == "" {
			uri := "static://" + base
			if i > 0 {
				uri += "#" + strconv.Itoa(i)
			}
			flows[i].URI = uri
		}
		flows[i].URI = NormalizeURIAs(flows[i].URI, SchemeStatic)
	}
	return flows, nil
}
