package step

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/pitabwire/flowrun/model"
)

// decodeConfig decodes a step's opaque config map into out. Durations accept
// strings like "720h" and scalar fields are weakly typed, so "3" and 3 are
// both valid for an int.
func decodeConfig(s model.WorkflowStep, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(s.Config); err != nil {
		return fmt.Errorf("invalid %s step config: %w", s.Type, err)
	}
	return nil
}
