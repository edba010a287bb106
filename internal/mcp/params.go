package mcp

import (
	"encoding/json"
	"fmt"
)

// UnknownField represents an unknown field that was passed but not recognized
type UnknownField struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// TreeParams is the argument object shared by every tree tool. Each tool
// reads only the fields it documents.
type TreeParams struct {
	ID       string `json:"id,omitempty"`
	Query    string `json:"query,omitempty"`
	Format   string `json:"format,omitempty"`    // text, compact, json
	MaxDepth int    `json:"max_depth,omitempty"` // 0 = unlimited

	Warnings []UnknownField `json:"-"`
}

var treeParamFields = map[string]struct{}{
	"id": {}, "query": {}, "format": {}, "max_depth": {},
}

// UnmarshalJSON accepts unknown fields and records them as warnings
func (p *TreeParams) UnmarshalJSON(data []byte) error {
	type Alias TreeParams

	_, warnings, err := collectUnknownFields(data, treeParamFields)
	if err != nil {
		return err
	}

	var alias Alias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = TreeParams(alias)
	p.Warnings = warnings
	return nil
}

// WarningMessages renders unknown fields for a response
func (p TreeParams) WarningMessages() []string {
	if len(p.Warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.Warnings))
	for _, w := range p.Warnings {
		out = append(out, fmt.Sprintf("unknown parameter %q ignored", w.Name))
	}
	return out
}

// collectUnknownFields parses raw JSON into a map, capturing any fields
// that aren't part of the provided known field set
func collectUnknownFields(data []byte, known map[string]struct{}) (map[string]json.RawMessage, []UnknownField, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	var warnings []UnknownField
	for key, value := range raw {
		if _, ok := known[key]; !ok {
			warnings = append(warnings, decodeUnknownField(key, value))
		}
	}
	return raw, warnings, nil
}

func decodeUnknownField(name string, data json.RawMessage) UnknownField {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		value = string(data)
	}
	return UnknownField{Name: name, Value: value}
}
