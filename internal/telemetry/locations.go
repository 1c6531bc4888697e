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

var ErrLookupOutOfRange = errors.New("telemetry: no location for station")

type Location struct {
	Latitude  float64
	Longitude float64
}

// LocationTable maps a 0-based station index to its coordinates. Rows are
// indexed in load order; the id column in the file is positional and not
// validated. Immutable after load.
type LocationTable struct {
	rows []Location
}

func LoadLocations(path string) (*LocationTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open locations: %w", err)
	}
	defer f.Close()
	return ParseLocations(f)
}

func ParseLocations(r io.Reader) (*LocationTable, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() { // header
		return &LocationTable{}, nil
	}
	var rows []Location
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("telemetry: malformed location row %q", line)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("telemetry: bad latitude in %q: %w", line, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("telemetry: bad longitude in %q: %w", line, err)
		}
		rows = append(rows, Location{Latitude: lat, Longitude: lon})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: read locations: %w", err)
	}
	return &LocationTable{rows: rows}, nil
}

func (t *LocationTable) Lookup(index int) (Location, error) {
	if index < 0 || index >= len(t.rows) {
		return Location{}, fmt.Errorf("%w: index %d, table holds %d", ErrLookupOutOfRange, index, len(t.rows))
	}
	return t.rows[index], nil
}

func (t *LocationTable) Len() int {
	return len(t.rows)
}
