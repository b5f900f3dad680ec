package component

import "encoding/json"

// JSONCodec is the default output codec: canonical JSON. Decoded values come
// back as generic JSON shapes (map[string]any, []any, float64, ...), so it
// suits components whose outputs are plain data rather than typed structs.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec) Decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
