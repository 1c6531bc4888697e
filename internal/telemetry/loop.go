package telemetry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hydrotel/edge-agent/internal/session"
)

// DelaySource yields the current pacing. The loop re-reads it on every
// iteration so a twin update takes effect on the next record, no restart.
type DelaySource interface {
	Delay() time.Duration
}

// DeadLetterSink receives payloads the session failed to deliver.
type DeadLetterSink interface {
	Write(ctx context.Context, key, value []byte) error
}

// Loop is the read-join-send-pace cycle over the record source.
//
// Failure policy: an out-of-range station id rejects the record and the
// loop continues; a send failure is logged, spooled to the dead-letter
// sink when one is configured, and the loop continues. Only a corrupt
// source line or cancellation terminates the loop abnormally.
type Loop struct {
	source    *Source
	locations *LocationTable
	session   session.Session
	delay     DelaySource
	deviceID  string
	logger    *log.Logger

	deadLetter DeadLetterSink

	sleep func(ctx context.Context, d time.Duration) error
}

func NewLoop(src *Source, locations *LocationTable, sess session.Session, delay DelaySource, deviceID string, logger *log.Logger) *Loop {
	return &Loop{
		source:    src,
		locations: locations,
		session:   sess,
		delay:     delay,
		deviceID:  deviceID,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// SetDeadLetter wires the optional spool for failed sends.
func (l *Loop) SetDeadLetter(sink DeadLetterSink) {
	l.deadLetter = sink
}

// Run drains the source. Exhaustion is the normal exit and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	sent := 0
	for {
		rec, err := l.source.Next()
		if errors.Is(err, ErrSourceExhausted) {
			l.logger.Printf("telemetry: source exhausted after %d sends", sent)
			return nil
		}
		if err != nil {
			return err
		}

		loc, err := l.locations.Lookup(rec.StationID - 1)
		if err != nil {
			l.logger.Printf("telemetry: rejecting record for station %d: %v", rec.StationID, err)
			continue
		}

		payload, attrs, err := BuildMessage(rec, loc)
		if err != nil {
			return err
		}

		if err := l.session.Send(ctx, payload, attrs); err != nil {
			l.logger.Printf("telemetry: send failed for station %d: %v", rec.StationID, err)
			l.spool(ctx, payload)
		} else {
			sent++
			l.logger.Printf("telemetry: sent station=%d depth=%.2f %s=%s", rec.StationID, rec.Depth, AlertAttribute, attrs[AlertAttribute])
		}

		if err := l.sleep(ctx, l.delay.Delay()); err != nil {
			return err
		}
	}
}

func (l *Loop) spool(ctx context.Context, payload []byte) {
	if l.deadLetter == nil {
		return
	}
	if err := l.deadLetter.Write(ctx, []byte(l.deviceID), payload); err != nil {
		l.logger.Printf("telemetry: dead-letter write failed, dropping record: %v", err)
	}
}

// sleepContext suspends for d without occupying a worker past
// cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
