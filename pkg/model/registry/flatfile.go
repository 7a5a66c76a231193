package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/llmgate/pkg/validate"
)

// FlatFile is a registry source backed by a JSON or YAML index file.
type FlatFile struct {
	indexPath string
}

// flatFileIndex is the structure of the index file.
type flatFileIndex struct {
	Models []ModelInfo `json:"models" yaml:"models"`
}

// NewFlatFile returns a source reading indexPath. The file is read on every
// load, so edits are picked up by the next refresh.
func NewFlatFile(indexPath string) *FlatFile {
	return &FlatFile{indexPath: indexPath}
}

// Load reads the index file and returns a registry over its models.
func (f *FlatFile) Load(ctx context.Context) (*Static, error) {
	models, err := f.LoadModels(ctx)
	if err != nil {
		return nil, err
	}
	return NewStatic(models...), nil
}

// LoadModels reads and validates every entry of the index file.
func (f *FlatFile) LoadModels(_ context.Context) ([]ModelInfo, error) {
	data, err := os.ReadFile(f.indexPath) //#nosec G304
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var idx flatFileIndex
	switch strings.ToLower(filepath.Ext(f.indexPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &idx)
	default:
		err = json.Unmarshal(data, &idx)
	}
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	seen := make(map[string]bool, len(idx.Models))
	for i, m := range idx.Models {
		if err := validate.Struct(m); err != nil {
			return nil, fmt.Errorf("model[%d] %q: %w", i, m.ID, err)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("model[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return idx.Models, nil
}
