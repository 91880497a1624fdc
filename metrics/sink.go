package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Sink receives metric points as they are recorded.
type Sink interface {
	Count(name string, value int64, tags []string) error
	Histogram(name string, value float64, tags []string) error
	Close() error
}

// NoopSink drops every point.
type NoopSink struct{}

func (NoopSink) Count(string, int64, []string) error       { return nil }
func (NoopSink) Histogram(string, float64, []string) error { return nil }
func (NoopSink) Close() error                              { return nil }

// statsdClient is the subset of statsd.ClientInterface used by StatsdSink.
type statsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Close() error
}

// StatsdSink forwards points to a DogStatsD agent.
type StatsdSink struct {
	client statsdClient
}

// NewStatsdSink connects to the agent at addr. Metric names are prefixed
// with namespace.
func NewStatsdSink(addr, namespace string) (*StatsdSink, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to statsd at %s: %w", addr, err)
	}
	return &StatsdSink{client: client}, nil
}

func (s *StatsdSink) Count(name string, value int64, tags []string) error {
	return s.client.Count(name, value, tags, 1)
}

func (s *StatsdSink) Histogram(name string, value float64, tags []string) error {
	return s.client.Histogram(name, value, tags, 1)
}

func (s *StatsdSink) Close() error {
	return s.client.Close()
}

// NewSink returns a StatsdSink when addr is set and a NoopSink otherwise.
func NewSink(addr, namespace string) (Sink, error) {
	if addr == "" {
		return NoopSink{}, nil
	}
	return NewStatsdSink(addr, namespace)
}
