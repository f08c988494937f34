// Package loader turns workflow definition files into validated executor
// configuration trees. Definitions are YAML; JSON documents parse through
// the same path since YAML is a superset.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/samber/lo"

	"github.com/kumo-org/kumo/internal/core"
)

// knownExtensions are the file suffixes Load accepts.
var knownExtensions = []string{".yaml", ".yml", ".json"}

// ErrEmptyDefinition is returned for files and byte slices that contain no
// document.
var ErrEmptyDefinition = errors.New("definition is empty")

// Load reads a definition file and returns the validated config tree.
func Load(path string) (*core.ExecutorConfig, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !lo.Contains(knownExtensions, ext) {
		return nil, core.NewValidationError("file", path,
			fmt.Errorf("unsupported extension %q (want one of %s)", ext, strings.Join(knownExtensions, ", ")))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBytes parses a definition document and returns the validated config
// tree. Unknown top-level fields are preserved in the config's Extra map
// and otherwise ignored; unknown types, unknown modes, and duplicate child
// ids fail before anything executes.
func LoadBytes(data []byte) (*core.ExecutorConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyDefinition
	}

	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeConfig maps the raw document onto the config shape. Weak typing
// keeps hand-written definitions forgiving: YAML integers land in int
// fields, "true" lands in bools.
func decodeConfig(raw map[string]any) (*core.ExecutorConfig, error) {
	var cfg core.ExecutorConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, core.NewValidationError("definition", nil, err)
	}
	return &cfg, nil
}
