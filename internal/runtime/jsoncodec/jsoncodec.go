package jsoncodec

import (
	"errors"
	"io"

	"github.com/bytedance/sonic"
)

// defaultConfig mirrors sonic.ConfigStd except that integers decoded into
// interface values become int64, so payload numbers round-trip exactly.
var defaultConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseInt64:         true,
}.Froze()

// ErrNotObject is returned by UnmarshalObject when the document is valid JSON
// but not an object.
var ErrNotObject = errors.New("jsoncodec: document is not a JSON object")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalObject decodes a JSON object into a fresh map. A JSON null or any
// non-object document is rejected.
func UnmarshalObject(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotObject
	}
	return out, nil
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
