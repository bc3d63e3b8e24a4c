package toolserver

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateArgs checks args the way they arrive on the wire. Values are
// round-tripped through JSON so Go-typed test arguments validate the same.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
