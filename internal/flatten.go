package internal

import (
	"encoding/json"
	"strconv"
)

// Flatten returns a single-level view of a decoded JSON document.
// Object keys are joined with "." and array elements are addressed as "key[i]";
// arrays are also exposed whole under "key" and "key[]".
// For example, `{"a": {"b": 1}}` becomes `{"a.b": 1}`.
func Flatten(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

// FlattenJSON decodes raw and returns the document alongside its flattened view.
// Documents that are not JSON objects yield empty maps.
func FlattenJSON(raw []byte) (map[string]any, map[string]any, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, err
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return map[string]any{}, map[string]any{}, nil
	}
	return object, Flatten(object), nil
}

func flattenInto(out map[string]any, path string, value any) {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []any:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenInto(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}
