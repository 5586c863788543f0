package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Codec turns resources into opaque payload bytes and back.
// The store persists whatever Encode returns and never looks inside.
type Codec interface {
	Encode(r Resource) ([]byte, error)
	Decode(data []byte) (Resource, error)
}

// JSONCodec encodes resources as canonical FHIR JSON with the envelope
// fields written into resourceType, id and meta.
type JSONCodec struct{}

// Encode writes the resource as canonical JSON.
func (JSONCodec) Encode(r Resource) ([]byte, error) {
	content := make(map[string]any, len(r.Content)+3)
	for k, v := range r.Content {
		content[k] = v
	}
	content["resourceType"] = r.Type
	content["id"] = r.ID

	meta := map[string]any{}
	if m, ok := r.Content["meta"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	meta["versionId"] = strconv.FormatInt(r.VersionID, 10)
	if !r.LastUpdated.IsZero() {
		meta["lastUpdated"] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	content["meta"] = meta

	data, err := MarshalCanonical(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", r.Type, r.ID, err)
	}
	return data, nil
}

// Decode parses FHIR JSON and restores envelope fields from meta.
// Numbers decode as int64 when integral and float64 otherwise.
func (JSONCodec) Decode(data []byte) (Resource, error) {
	content, err := DecodeJSON(data)
	if err != nil {
		return Resource{}, err
	}
	r, err := New(content)
	if err != nil {
		return Resource{}, err
	}
	if meta, ok := content["meta"].(map[string]any); ok {
		if v, ok := meta["versionId"].(string); ok {
			r.VersionID, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := meta["lastUpdated"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				r.LastUpdated = ts.UTC()
			}
		}
	}
	return r, nil
}

// DecodeJSON decodes a JSON object preserving integer precision.
func DecodeJSON(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return NormalizeNumbers(raw).(map[string]any), nil
}

// NormalizeNumbers replaces json.Number values with int64 or float64.
func NormalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, e := range val {
			val[k] = NormalizeNumbers(e)
		}
		return val
	case []any:
		for i, e := range val {
			val[i] = NormalizeNumbers(e)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	default:
		return val
	}
}
