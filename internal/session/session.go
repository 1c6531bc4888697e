// Package session is the agent's transport capability: one long-lived
// connection to the assigned fleet endpoint carrying telemetry events and
// the desired/reported configuration topics.
package session

import "context"

// ConfigHandler receives each desired-configuration push from the endpoint.
type ConfigHandler func(desired map[string]string)

// Session is injected into every component that talks to the fleet
// endpoint, so the twin manager and the telemetry loop are testable
// without a broker.
type Session interface {
	Open(ctx context.Context) error

	// Send dispatches one telemetry payload with its side-channel
	// attributes. Safe to call repeatedly; a failure is returned to the
	// caller and does not tear down the session.
	Send(ctx context.Context, payload []byte, attrs map[string]string) error

	// SubscribeConfigChange registers fn as the active handler for
	// desired-configuration pushes for the session's lifetime.
	SubscribeConfigChange(fn ConfigHandler)

	// FullConfig pulls the complete current desired configuration.
	FullConfig(ctx context.Context) (map[string]string, error)

	// ReportConfig writes the device's effective configuration back to
	// the endpoint.
	ReportConfig(ctx context.Context, reported map[string]string) error

	Close()
}
