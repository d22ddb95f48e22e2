package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://cellworld.ai/schemas/"

// Validator checks inbound client frames against the embedded JSON schemas
// before they are decoded into typed messages.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	files := map[string]string{
		TypeLogin: "login.schema.json",
		TypeHello: "hello.schema.json",
		TypeData:  "data.schema.json",
	}
	for _, name := range files {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("protocol: schema %s: %w", name, err)
		}
	}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for typ, name := range files {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("protocol: compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate checks raw against the schema for its message type. Types without
// a schema are rejected.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("protocol: bad json: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("protocol: frame is not an object")
	}
	typ, _ := obj["type"].(string)
	s, ok := v.byType[typ]
	if !ok {
		return fmt.Errorf("protocol: no schema for type %q", typ)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("protocol: %s: %w", typ, err)
	}
	return nil
}
