package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aemholland/e14z/internal/domain"
)

// FileRegistry serves records loaded from YAML or JSON files. A file holds
// either a list of records or a document with a top-level "tools" list.
type FileRegistry struct {
	records map[string]domain.ToolRecord
}

type recordFile struct {
	Tools []domain.ToolRecord `json:"tools" yaml:"tools"`
}

// NewFileRegistry loads and validates every record in paths. Later files
// override earlier ones for the same identifier.
func NewFileRegistry(paths ...string) (*FileRegistry, error) {
	r := &FileRegistry{records: make(map[string]domain.ToolRecord)}
	for _, p := range paths {
		recs, err := ReadRecords(p)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			r.records[rec.Identifier] = rec
		}
	}
	return r, nil
}

// ReadRecords parses a record file, choosing the format by extension.
func ReadRecords(path string) ([]domain.ToolRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file %s: %w", path, err)
	}
	recs, err := ParseRecords(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// ParseRecords decodes records from YAML (".yaml", ".yml") or JSON (anything else).
func ParseRecords(data []byte, ext string) ([]domain.ToolRecord, error) {
	var recs []domain.ToolRecord
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML records: %w", err)
		}
		if len(doc.Content) == 0 {
			return nil, nil
		}
		if doc.Content[0].Kind == yaml.SequenceNode {
			if err := doc.Decode(&recs); err != nil {
				return nil, fmt.Errorf("parsing YAML records: %w", err)
			}
		} else {
			var f recordFile
			if err := doc.Decode(&f); err != nil {
				return nil, fmt.Errorf("parsing YAML records: %w", err)
			}
			recs = f.Tools
		}
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &recs); err != nil {
				return nil, fmt.Errorf("parsing JSON records: %w", err)
			}
		} else {
			var f recordFile
			if err := json.Unmarshal(trimmed, &f); err != nil {
				return nil, fmt.Errorf("parsing JSON records: %w", err)
			}
			recs = f.Tools
		}
	}

	seen := make(map[string]bool, len(recs))
	for i := range recs {
		if err := Validate(&recs[i]); err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		if seen[recs[i].Identifier] {
			return nil, fmt.Errorf("tools[%d]: duplicate identifier %q", i, recs[i].Identifier)
		}
		seen[recs[i].Identifier] = true
	}
	return recs, nil
}

func (r *FileRegistry) Get(ctx context.Context, identifier string) (*domain.ToolRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := r.records[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return &rec, nil
}

// List returns all records sorted by identifier.
func (r *FileRegistry) List() []domain.ToolRecord {
	out := make([]domain.ToolRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.ToolRecord) int { return strings.Compare(a.Identifier, b.Identifier) })
	return out
}
