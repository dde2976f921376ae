package delivery

import (
	"context"

	"github.com/rs/zerolog"
)

// Destination is one configured place a finished archive is copied to.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, archivePath string) error
}

// Outcome records the result of delivering to one destination.
type Outcome struct {
	Destination string
	Err         error
}

// Dispatcher copies a finished archive to every enabled destination. Each
// destination is attempted independently: one failing never prevents the
// others from being tried.
type Dispatcher struct {
	logger       zerolog.Logger
	destinations []Destination
}

// NewDispatcher creates a Dispatcher over the enabled destinations. The
// configuration layer guarantees at least one destination is enabled.
func NewDispatcher(logger zerolog.Logger, destinations ...Destination) *Dispatcher {
	return &Dispatcher{
		logger:       logger.With().Str("component", "delivery").Logger(),
		destinations: destinations,
	}
}

// Deliver attempts every destination in order and returns one outcome per
// destination, in the same order.
func (d *Dispatcher) Deliver(ctx context.Context, archivePath string) []Outcome {
	outcomes := make([]Outcome, 0, len(d.destinations))
	for _, dest := range d.destinations {
		err := dest.Deliver(ctx, archivePath)
		if err != nil {
			d.logger.Error().Err(err).Str("destination", dest.Name()).Msg("delivery failed")
		} else {
			d.logger.Info().Str("destination", dest.Name()).Str("archive", archivePath).Msg("archive delivered")
		}
		outcomes = append(outcomes, Outcome{Destination: dest.Name(), Err: err})
	}
	return outcomes
}

// Succeeded reports how many outcomes completed without error.
func Succeeded(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}
