package codec

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// JSONCodec uses encoding/json. Response bodies must be UTF-8 text before
// they are parsed.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("codec: body is not valid utf-8")
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}
