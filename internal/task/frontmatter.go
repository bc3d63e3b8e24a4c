package task

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("task: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("task: malformed frontmatter")
)

// ParseFrontMatter extracts the YAML block and body from a document that
// starts with `---` fences.
func ParseFrontMatter(content []byte) (map[string]any, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	var metaBytes, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return nil, nil, ErrMalformedFrontMatter
			}
			parts = [][]byte{bytes.TrimSuffix(rest, []byte("\n---")), nil}
		}
		metaBytes, body = parts[0], parts[1]
	}
	fields := map[string]any{}
	if err := yaml.Unmarshal(metaBytes, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return fields, bytes.TrimLeft(body, "\n"), nil
}

// WriteFrontMatter renders fields + body with YAML fences.
func WriteFrontMatter(fields map[string]any, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("task: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
