package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pitwatch/sentinel/pkg/model"
)

// InsertReading appends a sensor observation. Always called inside the
// same transaction as UpdateDeviceHealth (C5) so the two never diverge.
func (s *Store) InsertReading(ctx context.Context, tx pgx.Tx, r model.Reading) (int64, error) {
	const q = `
		INSERT INTO readings (
			device_id, location_id, tenant_id, primary_sensor_type, aq_sensor_type,
			temperature, humidity, pressure, gas_resistance, iaq, iaq_accuracy,
			pm1, pm25, pm10,
			particles_03um, particles_05um, particles_10um, particles_25um, particles_50um, particles_100um,
			is_valid, validation_notes, device_timestamp, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24
		) RETURNING id`
	var id int64
	err := tx.QueryRow(ctx, q,
		r.DeviceID, r.LocationID, r.TenantID, r.PrimarySensorType, r.AQSensorType,
		r.Temperature, r.Humidity, r.Pressure, r.GasResistance, r.IAQ, r.IAQAccuracy,
		r.PM1, r.PM25, r.PM10,
		r.Particles03um, r.Particles05um, r.Particles10um, r.Particles25um, r.Particles50um, r.Particles100um,
		r.IsValid, r.ValidationNotes, r.DeviceTimestamp, r.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, classify("store.InsertReading", err)
	}
	return id, nil
}

// ListReadingsByLocation returns the most recent readings for a location,
// newest first, for the history/export views.
func (s *Store) ListReadingsByLocation(ctx context.Context, locationID int64, page, pageSize int) ([]model.Reading, int64, error) {
	limit, offset := Paginate(page, pageSize)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM readings WHERE location_id = $1`, locationID).Scan(&total); err != nil {
		return nil, 0, classify("store.ListReadingsByLocation", err)
	}

	const q = `
		SELECT id, device_id, location_id, tenant_id, primary_sensor_type, aq_sensor_type,
		       temperature, humidity, pressure, gas_resistance, iaq, iaq_accuracy,
		       pm1, pm25, pm10,
		       particles_03um, particles_05um, particles_10um, particles_25um, particles_50um, particles_100um,
		       is_valid, validation_notes, device_timestamp, created_at
		FROM readings WHERE location_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, locationID, limit, offset)
	if err != nil {
		return nil, 0, classify("store.ListReadingsByLocation", err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.LocationID, &r.TenantID, &r.PrimarySensorType, &r.AQSensorType,
			&r.Temperature, &r.Humidity, &r.Pressure, &r.GasResistance, &r.IAQ, &r.IAQAccuracy,
			&r.PM1, &r.PM25, &r.PM10,
			&r.Particles03um, &r.Particles05um, &r.Particles10um, &r.Particles25um, &r.Particles50um, &r.Particles100um,
			&r.IsValid, &r.ValidationNotes, &r.DeviceTimestamp, &r.CreatedAt,
		); err != nil {
			return nil, 0, classify("store.ListReadingsByLocation", err)
		}
		out = append(out, r)
	}
	return out, total, classify("store.ListReadingsByLocation", rows.Err())
}

// LatestReadingByDevice returns the most recent reading for a device, used
// to seed the real-time hub's initial snapshot on subscribe.
func (s *Store) LatestReadingByDevice(ctx context.Context, deviceID string) (model.Reading, error) {
	const q = `
		SELECT id, device_id, location_id, tenant_id, primary_sensor_type, aq_sensor_type,
		       temperature, humidity, pressure, gas_resistance, iaq, iaq_accuracy,
		       pm1, pm25, pm10,
		       particles_03um, particles_05um, particles_10um, particles_25um, particles_50um, particles_100um,
		       is_valid, validation_notes, device_timestamp, created_at
		FROM readings WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	var r model.Reading
	err := s.pool.QueryRow(ctx, q, deviceID).Scan(
		&r.ID, &r.DeviceID, &r.LocationID, &r.TenantID, &r.PrimarySensorType, &r.AQSensorType,
		&r.Temperature, &r.Humidity, &r.Pressure, &r.GasResistance, &r.IAQ, &r.IAQAccuracy,
		&r.PM1, &r.PM25, &r.PM10,
		&r.Particles03um, &r.Particles05um, &r.Particles10um, &r.Particles25um, &r.Particles50um, &r.Particles100um,
		&r.IsValid, &r.ValidationNotes, &r.DeviceTimestamp, &r.CreatedAt,
	)
	if err != nil {
		return model.Reading{}, classify("store.LatestReadingByDevice", err)
	}
	return r, nil
}
