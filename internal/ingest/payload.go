package ingest

import (
	"encoding/json"
	"math"
	"time"
)

// sensorPayload is the wire shape of an inbound `/sensors` message (§6).
// Unknown keys are ignored by encoding/json itself.
type sensorPayload struct {
	DeviceID   string  `json:"device_id"`
	LicenseKey string  `json:"license_key"`
	Timestamp  *string `json:"timestamp"`
	SensorType *string `json:"sensor_type"`

	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	GasResistance *float64 `json:"gas_resistance"`
	IAQ           *float64 `json:"iaq"`
	IAQAccuracy   *int     `json:"iaq_accuracy"`

	PM1  *float64 `json:"pm1"`
	PM25 *float64 `json:"pm25"`
	PM10 *float64 `json:"pm10"`

	Particles03um  *int `json:"particles_03um"`
	Particles05um  *int `json:"particles_05um"`
	Particles10um  *int `json:"particles_10um"`
	Particles25um  *int `json:"particles_25um"`
	Particles50um  *int `json:"particles_50um"`
	Particles100um *int `json:"particles_100um"`
}

// statusPayload is the wire shape of an inbound `/status` heartbeat. A pit
// gateway with an attached camera relays its reachability as camera_online
// alongside its own firmware heartbeat, since the camera has no MQTT
// client of its own (§4.6, §4.9).
type statusPayload struct {
	DeviceID        string  `json:"device_id"`
	FirmwareVersion *string `json:"firmware_version"`
	CameraOnline    *bool   `json:"camera_online"`
}

func parseSensorPayload(raw []byte) (sensorPayload, error) {
	var p sensorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return sensorPayload{}, err
	}
	return p, nil
}

func parseStatusPayload(raw []byte) (statusPayload, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return statusPayload{}, err
	}
	return p, nil
}

// sanitizeFloat drops NaN/Inf values, turning them null rather than
// letting a malformed upstream value reach Postgres (§4.5 step 3).
func sanitizeFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// parseDeviceTimestamp parses an optional ISO 8601 device timestamp,
// returning nil (not an error) on a malformed value so the row is still
// inserted.
func parseDeviceTimestamp(raw *string) *time.Time {
	if raw == nil || *raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
