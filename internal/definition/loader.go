// Package definition loads workflow definitions from YAML or JSON files.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowrun/model"
)

// File is a workflow definition read from disk.
type File struct {
	model.WorkflowDefinition

	SourceFile string
	Checksum   string
}

// Loader reads workflow definition files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files
// and parses each into a definition. Results are sorted by path.
func (l *Loader) LoadAll(directories []string) ([]File, error) {
	var files []File

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isDefinitionFile(path) {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].SourceFile < files[j].SourceFile })
	return files, nil
}

// LoadFile loads and parses a single definition file. The format is chosen by
// extension; anything other than .json is read as YAML. The definition is
// validated before it is returned.
func (l *Loader) LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return File{}, fmt.Errorf("validating %s: %w", path, err)
	}

	return File{
		WorkflowDefinition: def,
		SourceFile:         path,
		Checksum:           fmt.Sprintf("%x", sha256.Sum256(data)),
	}, nil
}

// Parse decodes a definition document without validating it.
func Parse(data []byte, isJSON bool) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&def); err != nil {
			return def, err
		}
		return def, nil
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, err
	}
	return def, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
