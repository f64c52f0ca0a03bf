// Package codec implements the frame encodings a gateway connection can
// negotiate.
//
// A Codec is picked once at process start (see ByName) and handed to every
// session. The codec name is sent as the "encoding" query parameter of the
// socket URL:
//   - json:    text frames, encoding/json
//   - msgpack: binary frames, vmihailenco/msgpack
package codec
