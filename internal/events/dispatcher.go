// Package events fans reconciliation change events out to their consumers:
// the invalidation rule engine and external observability collaborators.
package events

import (
	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/models"
)

type Sink interface {
	HandleChange(event models.ChangeEvent)
}

// Dispatcher delivers each event to every sink in registration order,
// synchronously. Sinks that talk to slow backends are expected to buffer
// internally (see Publisher); the rule engine sink is deliberately
// synchronous so cache coherence actions complete within the emitting sync
// pass.
type Dispatcher struct {
	sinks []Sink
	log   zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks: sinks,
		log:   logger.With().Str("component", "event-dispatcher").Logger(),
	}
}

func (d *Dispatcher) Notify(event models.ChangeEvent) {
	d.log.Debug().Msgf("dispatching event %s", event)
	for _, sink := range d.sinks {
		sink.HandleChange(event)
	}
}
