package jsonx

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ToDynamicJSON converts any Go value to a dynamic JSON object represented as a map[string]any.
// It first marshals the input value to JSON bytes and then unmarshals those bytes into a map.
func ToDynamicJSON(val any) (map[string]any, error) {
	result := make(map[string]any)
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Raw encodes val as a raw JSON value. Raw bytes are passed through after a
// validity check and nil stays nil.
func Raw(val any) (json.RawMessage, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !gjson.ValidBytes(v) {
			return nil, fmt.Errorf("invalid json: %s", v)
		}
		return v, nil
	case []byte:
		if !gjson.ValidBytes(v) {
			return nil, fmt.Errorf("invalid json: %s", v)
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}
