package telemetry

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hydrotel/edge-agent/internal/session"
)

type sentMessage struct {
	payload []byte
	attrs   map[string]string
}

type fakeSession struct {
	sent   []sentMessage
	errs   []error // errs[i] returned for send i; nil beyond the slice
	onSend func()
}

func (f *fakeSession) Open(context.Context) error { return nil }

func (f *fakeSession) Send(_ context.Context, payload []byte, attrs map[string]string) error {
	i := len(f.sent)
	f.sent = append(f.sent, sentMessage{payload: payload, attrs: attrs})
	if f.onSend != nil {
		f.onSend()
	}
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeSession) SubscribeConfigChange(session.ConfigHandler) {}

func (f *fakeSession) FullConfig(context.Context) (map[string]string, error) { return nil, nil }

func (f *fakeSession) ReportConfig(context.Context, map[string]string) error { return nil }

func (f *fakeSession) Close() {}

type stubDelay struct {
	seconds atomic.Int64
}

func (d *stubDelay) Delay() time.Duration {
	return time.Duration(d.seconds.Load()) * time.Second
}

type recordingSpool struct {
	keys   [][]byte
	values [][]byte
}

func (s *recordingSpool) Write(_ context.Context, key, value []byte) error {
	s.keys = append(s.keys, key)
	s.values = append(s.values, value)
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testTable(t *testing.T) *LocationTable {
	t.Helper()
	table, err := ParseLocations(strings.NewReader(
		"id,latitude,longitude\n" +
			"1,10.0,-90.0\n" +
			"2,20.0,-80.0\n"))
	if err != nil {
		t.Fatalf("ParseLocations: %v", err)
	}
	return table
}

func newTestLoop(t *testing.T, data string, sess *fakeSession) (*Loop, *stubDelay, *[]time.Duration) {
	t.Helper()
	delay := &stubDelay{}
	delay.seconds.Store(1)
	loop := NewLoop(NewSource(strings.NewReader(data)), testTable(t), sess, delay, "dev-42", testLogger())
	slept := &[]time.Duration{}
	loop.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return loop, delay, slept
}

func TestLoopSendsJoinedRecords(t *testing.T) {
	sess := &fakeSession{}
	loop, _, _ := newTestLoop(t,
		"header\n"+
			"1,a,1700000000,45.2\n"+
			"2,b,1700000060,8.5\n", sess)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sess.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sess.sent))
	}

	m, err := ParseMessage(sess.sent[0].payload)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.StationID != 1 || m.Latitude != 10.0 || m.Longitude != -90.0 {
		t.Errorf("first message = %+v", m)
	}
	if sess.sent[0].attrs[AlertAttribute] != "true" {
		t.Errorf("first message alert = %q, want true", sess.sent[0].attrs[AlertAttribute])
	}
	if sess.sent[1].attrs[AlertAttribute] != "false" {
		t.Errorf("second message alert = %q, want false", sess.sent[1].attrs[AlertAttribute])
	}
}

func TestLoopHeaderOnlyZeroSends(t *testing.T) {
	sess := &fakeSession{}
	loop, _, slept := newTestLoop(t, "header\n", sess)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sess.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(sess.sent))
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

func TestLoopReReadsDelayEachIteration(t *testing.T) {
	sess := &fakeSession{}
	loop, delay, slept := newTestLoop(t,
		"header\n"+
			"1,a,1700000000,5.0\n"+
			"1,a,1700000001,5.0\n", sess)
	delay.seconds.Store(2)
	sess.onSend = func() {
		if len(sess.sent) == 1 {
			// update lands between iteration 1 and 2
			delay.seconds.Store(5)
		}
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []time.Duration{2 * time.Second, 5 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestLoopRejectsOutOfRangeStation(t *testing.T) {
	sess := &fakeSession{}
	loop, _, _ := newTestLoop(t,
		"header\n"+
			"9,a,1700000000,5.0\n"+
			"1,a,1700000001,5.0\n", sess)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 (station 9 rejected)", len(sess.sent))
	}
	m, _ := ParseMessage(sess.sent[0].payload)
	if m.StationID != 1 {
		t.Errorf("surviving message station = %d, want 1", m.StationID)
	}
}

func TestLoopSendFailureSpoolsAndContinues(t *testing.T) {
	sess := &fakeSession{errs: []error{errors.New("broker gone")}}
	spool := &recordingSpool{}
	loop, _, _ := newTestLoop(t,
		"header\n"+
			"1,a,1700000000,5.0\n"+
			"2,b,1700000001,6.0\n", sess)
	loop.SetDeadLetter(spool)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sess.sent) != 2 {
		t.Fatalf("attempted %d sends, want 2 (loop continues past failure)", len(sess.sent))
	}
	if len(spool.values) != 1 {
		t.Fatalf("spooled %d payloads, want 1", len(spool.values))
	}
	if string(spool.keys[0]) != "dev-42" {
		t.Errorf("spool key = %q, want dev-42", spool.keys[0])
	}
	m, err := ParseMessage(spool.values[0])
	if err != nil {
		t.Fatalf("spooled payload not a message: %v", err)
	}
	if m.StationID != 1 {
		t.Errorf("spooled station = %d, want 1", m.StationID)
	}
}

func TestLoopSendFailureWithoutSpoolContinues(t *testing.T) {
	sess := &fakeSession{errs: []error{errors.New("broker gone")}}
	loop, _, _ := newTestLoop(t,
		"header\n"+
			"1,a,1700000000,5.0\n"+
			"2,b,1700000001,6.0\n", sess)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(sess.sent) != 2 {
		t.Fatalf("attempted %d sends, want 2", len(sess.sent))
	}
}

func TestLoopCancellationInterruptsSleep(t *testing.T) {
	sess := &fakeSession{}
	delay := &stubDelay{}
	delay.seconds.Store(3600)
	loop := NewLoop(NewSource(strings.NewReader(
		"header\n"+
			"1,a,1700000000,5.0\n"+
			"2,b,1700000001,6.0\n")), testTable(t), sess, delay, "dev-42", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	sess.onSend = func() { cancel() }

	start := time.Now()
	err := loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v, sleep did not yield promptly", elapsed)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent %d messages before cancel, want 1", len(sess.sent))
	}
}

func TestLoopMalformedRecordTerminates(t *testing.T) {
	sess := &fakeSession{}
	loop, _, _ := newTestLoop(t,
		"header\n"+
			"1,a,notatime,5.0\n", sess)

	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected error for corrupt source line")
	}
	if len(sess.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(sess.sent))
	}
}
