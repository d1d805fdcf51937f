package route

import (
	"encoding/json"
	"fmt"
	"time"

	"telemetry-hub/internal/core/store"
)

// PayloadDecoder turns a raw inbound payload into sensor readings.
// Implementations are registered per device type.
type PayloadDecoder interface {
	Decode(deviceID string, payload []byte) ([]store.SensorReading, error)
}

// Decoders is a registry of payload decoders keyed by device type.
// Unknown types fall back to the default decoder.
type Decoders struct {
	byType map[string]PayloadDecoder
	def    PayloadDecoder
}

func NewDecoders(def PayloadDecoder) *Decoders {
	return &Decoders{byType: make(map[string]PayloadDecoder), def: def}
}

func (d *Decoders) Register(deviceType string, dec PayloadDecoder) {
	d.byType[deviceType] = dec
}

func (d *Decoders) For(deviceType string) PayloadDecoder {
	if dec, ok := d.byType[deviceType]; ok {
		return dec
	}
	return d.def
}

// JSONDecoder reads the common telemetry payload shape:
//
//	{"sensor_type": "temperature", "value": 21.5, "unit": "C"}
//
// or a JSON array of such objects.
type JSONDecoder struct{}

type jsonReading struct {
	SensorType string   `json:"sensor_type"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit"`
}

func (JSONDecoder) Decode(deviceID string, payload []byte) ([]store.SensorReading, error) {
	var batch []jsonReading
	if err := json.Unmarshal(payload, &batch); err != nil {
		var one jsonReading
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
		batch = []jsonReading{one}
	}

	now := time.Now().UTC()
	out := make([]store.SensorReading, 0, len(batch))
	for _, jr := range batch {
		if jr.Value == nil {
			return nil, fmt.Errorf("parse payload: missing value")
		}
		st := jr.SensorType
		if st == "" {
			st = "unknown"
		}
		out = append(out, store.SensorReading{
			DeviceID:   deviceID,
			SensorType: st,
			Value:      *jr.Value,
			Unit:       jr.Unit,
			Timestamp:  now,
		})
	}
	return out, nil
}
