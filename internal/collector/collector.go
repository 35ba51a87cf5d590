// Package collector implements the sampling pipeline's individual data
// sources: one type per collector, each turning a clock.Tick into zero or
// more events.
package collector

import (
	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

// Collector is satisfied by every sampling data source.
type Collector interface {
	Name() string
	Collect(tick clock.Tick) ([]event.Event, error)
}
