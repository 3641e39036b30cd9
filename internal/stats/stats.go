// Package stats computes aggregate summaries over a window of sensor
// readings for the dashboard.
package stats

import (
	"time"

	"farmlink/internal/store"
)

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SensorStats summarizes a reading window. Min/max are reported only for
// soil moisture and temperature, the two series the dashboard charts with
// bands; the other fields carry averages only.
type SensorStats struct {
	AvgSoilMoisture   float64   `json:"avg_soil_moisture"`
	AvgLightIntensity float64   `json:"avg_light_intensity"`
	AvgTemperature    float64   `json:"avg_temperature"`
	AvgHumidity       float64   `json:"avg_humidity"`
	MinSoilMoisture   float64   `json:"min_soil_moisture"`
	MaxSoilMoisture   float64   `json:"max_soil_moisture"`
	MinTemperature    float64   `json:"min_temperature"`
	MaxTemperature    float64   `json:"max_temperature"`
	RecordCount       int       `json:"record_count"`
	TimeRange         TimeRange `json:"time_range"`
}

// Compute aggregates the given readings. The slice is expected in the
// store's newest-first order; Compute returns nil when it is empty.
func Compute(rows []store.SensorReading) *SensorStats {
	if len(rows) == 0 {
		return nil
	}

	s := &SensorStats{
		MinSoilMoisture: rows[0].SoilMoisture,
		MaxSoilMoisture: rows[0].SoilMoisture,
		MinTemperature:  rows[0].Temperature,
		MaxTemperature:  rows[0].Temperature,
		RecordCount:     len(rows),
		TimeRange: TimeRange{
			Start: rows[len(rows)-1].Timestamp,
			End:   rows[0].Timestamp,
		},
	}

	for _, r := range rows {
		s.AvgSoilMoisture += r.SoilMoisture
		s.AvgLightIntensity += r.LightIntensity
		s.AvgTemperature += r.Temperature
		s.AvgHumidity += r.Humidity

		if r.SoilMoisture < s.MinSoilMoisture {
			s.MinSoilMoisture = r.SoilMoisture
		}
		if r.SoilMoisture > s.MaxSoilMoisture {
			s.MaxSoilMoisture = r.SoilMoisture
		}
		if r.Temperature < s.MinTemperature {
			s.MinTemperature = r.Temperature
		}
		if r.Temperature > s.MaxTemperature {
			s.MaxTemperature = r.Temperature
		}
	}

	n := float64(len(rows))
	s.AvgSoilMoisture /= n
	s.AvgLightIntensity /= n
	s.AvgTemperature /= n
	s.AvgHumidity /= n
	return s
}
