// Package codec encodes the records persistent backends write to disk or
// to the wire.
package codec

import (
	"encoding/json"
	"fmt"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec writes compact JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Default is the codec used by all backends of this module.
var Default Codec = JSONCodec{}

// Decode unmarshals data into a new T.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeAll decodes every record in order, stopping at the first failure.
func DecodeAll[T any](c Codec, records [][]byte) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, data := range records {
		v, err := Decode[T](c, data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
