package viewport

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// SweeperConfig holds the dependencies of a Sweeper.
type SweeperConfig struct {
	Registry *Registry
	Clock    clock.Clock
	Interval time.Duration
}

// Validate checks the configuration.
func (c SweeperConfig) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Sweeper is a worker that periodically expires idle registry entries.
type Sweeper struct {
	catacomb catacomb.Catacomb
	config   SweeperConfig
}

// NewSweeper starts a sweeper worker.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Sweeper{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "viewport-sweeper",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Sweeper) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Sweeper) Wait() error {
	return s.catacomb.Wait()
}

func (s *Sweeper) loop() error {
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.config.Clock.After(s.config.Interval):
			if n := s.config.Registry.Sweep(); n > 0 {
				logger.Debugf("swept %d idle viewports", n)
			}
		}
	}
}
