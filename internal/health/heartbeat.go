// Package health publishes periodic device heartbeats so the fleet
// endpoint can tell a quiet station from a dead one.
package health

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hydrotel/edge-agent/internal/session"
)

const messageTypeAttribute = "messageType"

type Heartbeat struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemUsedMB     float64   `json:"mem_used_mb"`
	UptimeSeconds uint64    `json:"uptime_s"`
}

type Reporter struct {
	session  session.Session
	deviceID string
	interval time.Duration
	logger   *log.Logger

	snapshot func() Heartbeat
}

func NewReporter(s session.Session, deviceID string, interval time.Duration, logger *log.Logger) *Reporter {
	r := &Reporter{session: s, deviceID: deviceID, interval: interval, logger: logger}
	r.snapshot = r.collect
	return r
}

// Run publishes until cancelled. Heartbeats are best effort; a failed
// publish is logged and the ticker keeps going.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	hb := r.snapshot()
	payload, err := json.Marshal(hb)
	if err != nil {
		r.logger.Printf("health: encode heartbeat: %v", err)
		return
	}
	attrs := map[string]string{messageTypeAttribute: "heartbeat"}
	if err := r.session.Send(ctx, payload, attrs); err != nil {
		r.logger.Printf("health: heartbeat publish failed: %v", err)
		return
	}
	r.logger.Printf("health: heartbeat sent cpu=%.1f%% mem=%.0fMB", hb.CPUPercent, hb.MemUsedMB)
}

func (r *Reporter) collect() Heartbeat {
	hb := Heartbeat{
		DeviceID:  r.deviceID,
		Timestamp: time.Now().UTC(),
		Status:    "alive",
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hb.CPUPercent = pct[0]
	} else if err != nil {
		r.logger.Printf("health: cpu stats: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemUsedMB = float64(vm.Total-vm.Available) / 1024.0 / 1024.0
	} else {
		r.logger.Printf("health: memory stats: %v", err)
	}
	if up, err := host.Uptime(); err == nil {
		hb.UptimeSeconds = up
	}
	return hb
}
