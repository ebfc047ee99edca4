package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"particle-roi-go/internal/cborarray"
)

// NormalizeJSONValue turns decoded CBOR into something encoding/json
// accepts: maps get string keys, byte strings and typed arrays are
// summarized, non-finite floats become strings.
func NormalizeJSONValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = NormalizeJSONValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = NormalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeJSONValue(val)
		}
		return out
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t))
	case cbor.Tag:
		if t.Number == cborarray.TagMultiDimArray {
			if p, err := cborarray.Decode(t); err == nil {
				return map[string]any{"image": []int{p.Height, p.Width}}
			}
		}
		return map[string]any{"tag": t.Number, "value": NormalizeJSONValue(t.Content)}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Sprint(t)
		}
		return t
	case float32:
		return NormalizeJSONValue(float64(t))
	default:
		return v
	}
}

// MarshalNormalized encodes NormalizeJSONValue(v) as indented JSON without
// HTML escaping, so summaries like "<3 bytes>" print as written.
func MarshalNormalized(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(NormalizeJSONValue(v)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
