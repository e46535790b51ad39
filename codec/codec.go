// Package codec serializes RPC bodies. The channel frame treats its payload
// as opaque bytes; the client hands request envelopes to a Codec and gets
// response values back from it.
package codec

import "fmt"

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// GetCodec returns the codec registered under name. Only "json" exists today;
// nodes speak JSON-RPC.
func GetCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}
