package health

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hydrotel/edge-agent/internal/session"
)

type fakeSession struct {
	payloads [][]byte
	attrs    []map[string]string
}

func (f *fakeSession) Open(context.Context) error { return nil }

func (f *fakeSession) Send(_ context.Context, payload []byte, attrs map[string]string) error {
	f.payloads = append(f.payloads, payload)
	f.attrs = append(f.attrs, attrs)
	return nil
}

func (f *fakeSession) SubscribeConfigChange(session.ConfigHandler) {}

func (f *fakeSession) FullConfig(context.Context) (map[string]string, error) { return nil, nil }

func (f *fakeSession) ReportConfig(context.Context, map[string]string) error { return nil }

func (f *fakeSession) Close() {}

func TestPublishHeartbeat(t *testing.T) {
	sess := &fakeSession{}
	r := NewReporter(sess, "dev-42", time.Minute, log.New(io.Discard, "", 0))
	r.snapshot = func() Heartbeat {
		return Heartbeat{
			DeviceID:      "dev-42",
			Timestamp:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			Status:        "alive",
			CPUPercent:    12.5,
			MemUsedMB:     256,
			UptimeSeconds: 3600,
		}
	}

	r.publish(context.Background())

	if len(sess.payloads) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(sess.payloads))
	}
	if sess.attrs[0][messageTypeAttribute] != "heartbeat" {
		t.Errorf("attrs = %v, want %s=heartbeat", sess.attrs[0], messageTypeAttribute)
	}

	var hb Heartbeat
	if err := json.Unmarshal(sess.payloads[0], &hb); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if hb.DeviceID != "dev-42" || hb.Status != "alive" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.CPUPercent != 12.5 || hb.MemUsedMB != 256 || hb.UptimeSeconds != 3600 {
		t.Errorf("stats not carried: %+v", hb)
	}
}

func TestCollectFillsIdentity(t *testing.T) {
	r := NewReporter(&fakeSession{}, "dev-7", time.Minute, log.New(io.Discard, "", 0))
	hb := r.collect()
	if hb.DeviceID != "dev-7" {
		t.Errorf("DeviceID = %q, want dev-7", hb.DeviceID)
	}
	if hb.Status != "alive" {
		t.Errorf("Status = %q, want alive", hb.Status)
	}
	if hb.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}
