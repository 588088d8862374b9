package delivery

import (
	"errors"

	"github.com/ailens/ailens-bridge/pkg/event"
)

// MultiSink fans an event out to several sinks. A failure in one sink does
// not prevent delivery to the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are ignored; a single sink is
// returned unwrapped.
func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

// Send delivers ev to every sink and joins their errors.
func (m *MultiSink) Send(ev *event.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
