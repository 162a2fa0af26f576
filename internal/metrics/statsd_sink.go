package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdSink forwards records to a statsd agent as gauges tagged with
// split and epoch, for runs tracked on an external dashboard.
type StatsdSink struct {
	client statsd.ClientInterface
	prefix string
}

// NewStatsdSink connects to the agent at addr (host:port).
func NewStatsdSink(addr, prefix string) (*StatsdSink, error) {
	client, err := statsd.New(addr)
	if err != nil {
		return nil, &SinkError{Sink: "statsd", Err: err}
	}
	return &StatsdSink{client: client, prefix: prefix}, nil
}

func (s *StatsdSink) Log(record Record) error {
	name := record.Name
	if s.prefix != "" {
		name = s.prefix + "." + name
	}
	tags := []string{
		"split:" + record.Split,
		fmt.Sprintf("epoch:%d", record.Epoch),
	}
	if err := s.client.Gauge(name, record.Value, tags, 1); err != nil {
		return &SinkError{Sink: "statsd", Err: err}
	}
	return nil
}

func (s *StatsdSink) Close() error {
	return s.client.Close()
}
