// Package metrics carries scalar training metrics from the training
// loop to whatever sinks the run is configured with. Sink failures
// never abort training: they are reported once per sink and further
// records to that sink are dropped silently.
package metrics

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Record is one named scalar tagged with its split and epoch.
// Immutable once emitted.
type Record struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Split string  `json:"split"`
	Epoch int     `json:"epoch"`
}

// Sink consumes metric records.
type Sink interface {
	Log(record Record) error
	Close() error
}

// SinkError wraps a sink failure so callers can tell it apart from
// training errors.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("metric sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// NopSink discards every record. Used when no sink is configured.
type NopSink struct{}

func (NopSink) Log(Record) error { return nil }
func (NopSink) Close() error     { return nil }

// MultiSink fans records out to several sinks. The first failure of a
// sink is logged; the sink is then disabled for the rest of the run so
// a flaky tracker cannot spam the log on every step.
type MultiSink struct {
	sinks  []Sink
	failed []bool
}

// NewMultiSink combines sinks. Nil entries are ignored.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{
		sinks:  kept,
		failed: make([]bool, len(kept)),
	}
}

func (m *MultiSink) Log(record Record) error {
	for i, sink := range m.sinks {
		if m.failed[i] {
			continue
		}
		if err := sink.Log(record); err != nil {
			m.failed[i] = true
			log.Error().Err(&SinkError{Sink: fmt.Sprintf("%T", sink), Err: err}).
				Msg("metric sink failed, disabling it for this run")
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
