package bootstrap

import (
	"fmt"

	"github.com/m3rciful/regbot/core/scenario"
)

// Modules extends the built-in handler registry before the scenario table
// is validated against it.
type Modules struct {
	Handlers   []scenario.HandlerSpec
	Generators []scenario.GeneratorSpec
}

// Install registers every module into reg. Ids must not clash with the
// built-ins or each other.
func (m Modules) Install(reg *scenario.Registry) error {
	for _, h := range m.Handlers {
		if err := reg.RegisterHandler(h); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	for _, g := range m.Generators {
		if err := reg.RegisterGenerator(g); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}
