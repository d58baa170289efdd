package runtime

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// teardownStep undoes one setup step.
type teardownStep struct {
	name string
	fn   func() error
}

// teardown is a stack of undo steps. Steps run last-registered first, each
// one regardless of earlier failures.
type teardown struct {
	steps []teardownStep
}

func (t *teardown) push(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// run executes and clears the stack, returning every failure joined.
func (t *teardown) run(log logrus.FieldLogger) error {
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		entry := log.WithField("step", s.name)
		if err := s.fn(); err != nil {
			entry.WithError(err).Warn("teardown step failed")
			errs = append(errs, err)
			continue
		}
		entry.Debug("teardown step done")
	}
	t.steps = nil
	return errors.Join(errs...)
}
