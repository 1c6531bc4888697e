// Package telemetry reads depth records from the station's data files,
// joins them with the location table, and streams them to the fleet
// endpoint at the twin-controlled cadence.
package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrSourceExhausted marks the normal end of the record stream.
var ErrSourceExhausted = errors.New("telemetry: source exhausted")

// SensorRecord is one reading as it appears in the source file. StationID
// is 1-based in the data.
type SensorRecord struct {
	StationID int
	Depth     float64
	Timestamp int64
}

// Source is a single-pass cursor over a line-oriented record file. The
// header line is discarded on open; an empty line or EOF releases the
// underlying file and exhausts the cursor permanently.
type Source struct {
	scanner *bufio.Scanner
	closer  io.Closer
	done    bool
}

func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open source: %w", err)
	}
	s := newSource(f, f)
	return s, nil
}

// NewSource builds a cursor over r. Used by tests; OpenSource is the
// file-backed entry point.
func NewSource(r io.Reader) *Source {
	return newSource(r, nil)
}

func newSource(r io.Reader, closer io.Closer) *Source {
	s := &Source{scanner: bufio.NewScanner(r), closer: closer}
	if !s.scanner.Scan() { // header
		s.terminate()
	}
	return s
}

func (s *Source) Next() (SensorRecord, error) {
	if s.done {
		return SensorRecord{}, ErrSourceExhausted
	}
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		s.terminate()
		if err != nil {
			return SensorRecord{}, fmt.Errorf("telemetry: read source: %w", err)
		}
		return SensorRecord{}, ErrSourceExhausted
	}
	line := strings.TrimSpace(s.scanner.Text())
	if line == "" {
		s.terminate()
		return SensorRecord{}, ErrSourceExhausted
	}
	return parseRecord(line)
}

func (s *Source) Close() {
	s.terminate()
}

func (s *Source) terminate() {
	if s.done {
		return
	}
	s.done = true
	if s.closer != nil {
		s.closer.Close()
	}
}

// parseRecord reads a "stationId,?,timestampUnixSeconds,depth" line.
// Column 1 belongs to an upstream consumer and is ignored here.
func parseRecord(line string) (SensorRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 4 {
		return SensorRecord{}, fmt.Errorf("telemetry: malformed record %q: want 4 columns, got %d", line, len(fields))
	}
	station, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return SensorRecord{}, fmt.Errorf("telemetry: bad station id in %q: %w", line, err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return SensorRecord{}, fmt.Errorf("telemetry: bad timestamp in %q: %w", line, err)
	}
	depth, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return SensorRecord{}, fmt.Errorf("telemetry: bad depth in %q: %w", line, err)
	}
	return SensorRecord{StationID: station, Depth: depth, Timestamp: ts}, nil
}
