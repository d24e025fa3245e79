package messaging

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Latency is the round-trip time for the probe.
	Latency time.Duration `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckHealth probes the broker by checking connectivity and round-tripping
// an existence query for topic.
func CheckHealth(ctx context.Context, broker Broker, topic string) HealthStatus {
	status := HealthStatus{}

	if broker == nil {
		status.Error = "broker is nil"
		return status
	}

	status.Connected = broker.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	start := time.Now()
	_, err := broker.TopicExists(ctx, topic)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = "health check failed: " + err.Error()
	}

	return status
}

// Healthy reports whether the status describes a usable connection.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}
