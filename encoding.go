package shopmesh

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

type defaultMarshaller struct{}

// NewMarshaler returns the default marshaller which uses golang's json package.
func NewMarshaler() Marshaler {
	return &defaultMarshaller{}
}

// DefaultMarshaler is used by the cache clients and bus codecs.
var DefaultMarshaler Marshaler = NewMarshaler()

// Marshal encodes any object to a byte array.
func (m defaultMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a byte array back to its Object type.
func (m defaultMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
