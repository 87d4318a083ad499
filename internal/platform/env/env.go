package env

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Validator is implemented by config structs with cross-field rules.
type Validator interface {
	Validate() error
}

// Parse loads target from the environment using its env/envDefault tags and
// then runs target.Validate when present.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v, ok := target.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
