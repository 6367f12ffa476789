package runner

import (
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gridtest/gridtest/pkg/engine"
)

var argValidator = validator.New()

// decodeArguments maps a descriptor's argument bag onto a typed argument
// struct via a YAML round trip, then validates it. The round trip keeps
// the argument syntax identical between suite files and inline maps.
func decodeArguments(desc *engine.Descriptor, out any) error {
	data, err := yaml.Marshal(desc.Arguments)
	if err != nil {
		return engine.NewPermanentError("failed to encode arguments", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(desc.ID)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return engine.NewPermanentError("failed to decode arguments", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(desc.ID)
	}

	if err := argValidator.Struct(out); err != nil {
		return engine.NewPermanentError("invalid arguments", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(desc.ID)
	}

	return nil
}
