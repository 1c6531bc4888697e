package telemetry

import (
	"encoding/json"
	"strconv"
	"time"
)

// AlertAttribute is the side-channel attribute name the fleet contract
// uses for depth-over-threshold readings.
const AlertAttribute = "temperatureAlert"

const depthAlertThreshold = 30.0

// Message is the outbound telemetry schema.
type Message struct {
	StationID int     `json:"stationId"`
	Depth     float64 `json:"depth"`
	TimeStamp string  `json:"timeStamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// BuildMessage serializes one joined reading and computes its attributes.
func BuildMessage(rec SensorRecord, loc Location) ([]byte, map[string]string, error) {
	m := Message{
		StationID: rec.StationID,
		Depth:     rec.Depth,
		TimeStamp: time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	attrs := map[string]string{
		AlertAttribute: strconv.FormatBool(rec.Depth > depthAlertThreshold),
	}
	return payload, attrs, nil
}

func ParseMessage(payload []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(payload, &m)
	return m, err
}
