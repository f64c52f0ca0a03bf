package codec

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Into copies an untyped payload (the "d" field of a decoded frame) into a
// typed struct, matching fields by their json tags. Numeric kinds are
// converted, so payloads decoded by either codec land in the same struct.
func Into(src, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("convert payload: %w", err)
	}
	return nil
}
