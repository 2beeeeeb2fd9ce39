// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package normalize

import "github.com/tomtom215/canopy/internal/models"

// physicalRange is the plausible range of a stream type in its dimension's
// base unit. Values outside it come from a broken or unplugged sensor.
type physicalRange struct {
	dim      Dimension
	min, max float64
}

var streamRanges = map[models.StreamType]physicalRange{
	models.StreamTemperature:      {DimTemperature, -60, 85},
	models.StreamWaterTemperature: {DimTemperature, -5, 60},
	models.StreamHumidity:         {DimPercent, 0, 100},
	models.StreamCO2:              {DimConcentration, 0, 20000},
	models.StreamPH:               {DimAcidity, 0, 14},
	models.StreamEC:               {DimConductivity, 0, 20},
	models.StreamPPFD:             {DimPhotonFlux, 0, 3000},
	models.StreamDLI:              {DimDailyLight, 0, 100},
	models.StreamVPD:              {DimPressure, 0, 10},
	models.StreamSoilMoisture:     {DimPercent, 0, 100},
}

// StreamDimension returns the dimension readings of a stream type must have.
func StreamDimension(t models.StreamType) (Dimension, bool) {
	r, ok := streamRanges[t]
	return r.dim, ok
}
