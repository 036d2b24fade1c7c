package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeStrict parses one config document into dst and rejects unknown
// fields. YAML documents (.yaml/.yml) are lowered to JSON first so a single
// strict decoder covers both formats; any other extension is read as JSON.
func decodeStrict(path string, data []byte, dst any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
		}
		lowered, err := json.Marshal(stringifyKeys(doc))
		if err != nil {
			return fmt.Errorf("config: lower %s to json: %w", filepath.Base(path), err)
		}
		data = lowered
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// A second document means a mangled file, not a second generation.
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("config: trailing data after document in %s", filepath.Base(path))
	default:
		return err
	}
}

// stringifyKeys rewrites YAML's map[any]any keys as strings so the document
// survives json.Marshal.
func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = stringifyKeys(item)
		}
		return out
	case map[string]any:
		for k, item := range x {
			x[k] = stringifyKeys(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = stringifyKeys(item)
		}
		return x
	}
	return v
}
