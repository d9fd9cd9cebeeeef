// Package jsoncodec is the JSON implementation shared by the wire codec, the
// sinks and the introspection API. Object keys of encoded maps are sorted so
// that tag sets serialize identically across sinks and runs.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

// Marshal encodes v as compact JSON.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalLine encodes v followed by a single '\n', one frame of a
// newline-delimited stream.
func MarshalLine(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v. String values are copied, so v never
// aliases a reused read buffer.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode writes v to w as one newline-terminated document.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}
