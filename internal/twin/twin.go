// Package twin keeps the device's desired/reported configuration in sync
// with the fleet endpoint.
//
// The only synchronized value in this agent is the telemetry delay. It is
// held in a single atomic scalar so the telemetry loop always observes a
// fully written positive integer, never a partial update.
package twin

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hydrotel/edge-agent/internal/session"
)

const (
	// DelayKey is the recognized desired/reported configuration key.
	DelayKey = "telemetryDelay"

	DefaultDelaySeconds = 1
)

type Manager struct {
	session session.Session
	logger  *log.Logger

	delaySeconds atomic.Int64
}

func NewManager(s session.Session, logger *log.Logger) *Manager {
	m := &Manager{session: s, logger: logger}
	m.delaySeconds.Store(DefaultDelaySeconds)
	return m
}

// Delay returns the current telemetry pacing. Callers re-read it every
// iteration; it is never cached.
func (m *Manager) Delay() time.Duration {
	return time.Duration(m.delaySeconds.Load()) * time.Second
}

func (m *Manager) DelaySeconds() int64 {
	return m.delaySeconds.Load()
}

// Start registers the push handler and then performs the initial full
// twin read, so the loop never starts against a stale default when the
// endpoint already holds a desired value.
func (m *Manager) Start(ctx context.Context) error {
	m.session.SubscribeConfigChange(m.OnDesired)

	desired, err := m.session.FullConfig(ctx)
	if err != nil {
		return fmt.Errorf("twin: initial read: %w", err)
	}
	m.applyAndReport(ctx, desired)
	return nil
}

// OnDesired handles one desired-configuration payload: apply whatever
// parses, then write the effective state back so the endpoint observes
// the device's actual value, not just its intent.
func (m *Manager) OnDesired(desired map[string]string) {
	m.applyAndReport(context.Background(), desired)
}

func (m *Manager) applyAndReport(ctx context.Context, desired map[string]string) {
	m.apply(desired)
	reported := map[string]string{
		DelayKey: strconv.FormatInt(m.delaySeconds.Load(), 10),
	}
	if err := m.session.ReportConfig(ctx, reported); err != nil {
		m.logger.Printf("twin: report failed: %v", err)
		return
	}
	m.logger.Printf("twin: reported %s=%s", DelayKey, reported[DelayKey])
}

// apply updates the delay when the key is present and parses as a
// positive integer. A missing key is not an error; an unparsable value
// is logged and the prior value retained.
func (m *Manager) apply(desired map[string]string) {
	raw, ok := desired[DelayKey]
	if !ok {
		return
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		m.logger.Printf("twin: ignoring %s=%q: not a positive integer", DelayKey, raw)
		return
	}
	m.delaySeconds.Store(n)
	m.logger.Printf("twin: %s set to %d", DelayKey, n)
}
