package workflow

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// DefinitionExtensions lists the file extensions recognised as workflow
// definitions. JSON is accepted because it is a subset of YAML.
var DefinitionExtensions = []string{".yaml", ".yml", ".json"}

// IsDefinitionFile reports whether the path carries a definition extension.
func IsDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range DefinitionExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// Digest returns the hex blake3 digest of definition source bytes.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseDefinition decodes a workflow definition from YAML/JSON bytes and
// applies structural validation.
func ParseDefinition(data []byte) (*Definition, error) {
	return parseWithFallbackID(data, "")
}

// ParseDefinitionWithID is ParseDefinition with a fallback id for payloads
// that do not declare one.
func ParseDefinitionWithID(data []byte, fallbackID string) (*Definition, error) {
	return parseWithFallbackID(data, fallbackID)
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (*Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinition(content)
}

// LoadDefinitionFile loads a workflow definition from an explicit file path.
// A definition without an id takes the file name stem.
func LoadDefinitionFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := parseWithFallbackID(content, stem(path))
	if parseErr != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}

func parseWithFallbackID(content []byte, fallbackID string) (*Definition, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("workflow: definition payload is empty: %w", ErrInvalidDefinition)
	}
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %v: %w", err, ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = fallbackID
	}
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	normalized.Digest = Digest(content)
	return normalized, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
