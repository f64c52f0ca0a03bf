package codec

import (
	"fmt"
	"strings"
)

// Codec converts frames to and from wire bytes.
type Codec interface {
	// Name is the value of the socket URL "encoding" parameter.
	Name() string

	// Binary reports whether encoded frames travel as binary messages.
	Binary() bool

	// Encode serializes v.
	Encode(v any) ([]byte, error)

	// Decode parses data into v.
	Decode(data []byte, v any) error
}

// Supported codecs.
var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}
