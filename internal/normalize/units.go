// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package normalize

import (
	"errors"
	"fmt"
	"strings"
)

// Dimension groups units that can be converted into one another.
type Dimension string

const (
	DimTemperature   Dimension = "temperature"
	DimPercent       Dimension = "percent"
	DimConcentration Dimension = "concentration"
	DimAcidity       Dimension = "acidity"
	DimConductivity  Dimension = "conductivity"
	DimPhotonFlux    Dimension = "photon_flux"
	DimDailyLight    Dimension = "daily_light"
	DimPressure      Dimension = "pressure"
)

// unitDef converts a unit to and from its dimension's base unit.
type unitDef struct {
	symbol   string
	dim      Dimension
	toBase   func(float64) float64
	fromBase func(float64) float64
}

func linear(symbol string, dim Dimension, factor float64) unitDef {
	return unitDef{
		symbol:   symbol,
		dim:      dim,
		toBase:   func(v float64) float64 { return v * factor },
		fromBase: func(v float64) float64 { return v / factor },
	}
}

// Base units: °C, %, ppm, pH, mS/cm, µmol/m²/s, mol/m²/d, kPa.
var units = map[string]unitDef{
	"°C": linear("°C", DimTemperature, 1),
	"°F": {
		symbol:   "°F",
		dim:      DimTemperature,
		toBase:   func(v float64) float64 { return (v - 32) * 5 / 9 },
		fromBase: func(v float64) float64 { return v*9/5 + 32 },
	},
	"K": {
		symbol:   "K",
		dim:      DimTemperature,
		toBase:   func(v float64) float64 { return v - 273.15 },
		fromBase: func(v float64) float64 { return v + 273.15 },
	},
	"%":          linear("%", DimPercent, 1),
	"ppm":        linear("ppm", DimConcentration, 1),
	"ppb":        linear("ppb", DimConcentration, 0.001),
	"pH":         linear("pH", DimAcidity, 1),
	"mS/cm":      linear("mS/cm", DimConductivity, 1),
	"µS/cm":      linear("µS/cm", DimConductivity, 0.001),
	"dS/m":       linear("dS/m", DimConductivity, 1),
	"µmol/m²/s":  linear("µmol/m²/s", DimPhotonFlux, 1),
	"mol/m²/d":   linear("mol/m²/d", DimDailyLight, 1),
	"kPa":        linear("kPa", DimPressure, 1),
	"hPa":        linear("hPa", DimPressure, 0.1),
	"Pa":         linear("Pa", DimPressure, 0.001),
	"mbar":       linear("mbar", DimPressure, 0.1),
	"psi":        linear("psi", DimPressure, 6.894757),
}

var baseUnits = map[Dimension]string{
	DimTemperature:   "°C",
	DimPercent:       "%",
	DimConcentration: "ppm",
	DimAcidity:       "pH",
	DimConductivity:  "mS/cm",
	DimPhotonFlux:    "µmol/m²/s",
	DimDailyLight:    "mol/m²/d",
	DimPressure:      "kPa",
}

// aliases maps lower-cased spellings devices send onto canonical symbols.
var aliases = map[string]string{
	"°c": "°C", "c": "°C", "degc": "°C", "celsius": "°C", "℃": "°C",
	"°f": "°F", "f": "°F", "degf": "°F", "fahrenheit": "°F", "℉": "°F",
	"k": "K", "kelvin": "K",
	"%": "%", "%rh": "%", "rh": "%", "pct": "%", "percent": "%", "%vwc": "%", "vwc": "%",
	"ppm": "ppm", "ppb": "ppb",
	"ph": "pH",
	"ms/cm": "mS/cm", "us/cm": "µS/cm", "µs/cm": "µS/cm", "μs/cm": "µS/cm", "ds/m": "dS/m",
	"umol/m2/s": "µmol/m²/s", "µmol/m2/s": "µmol/m²/s", "μmol/m2/s": "µmol/m²/s",
	"µmol/m²/s": "µmol/m²/s", "μmol/m²/s": "µmol/m²/s", "umol/m²/s": "µmol/m²/s",
	"mol/m2/d": "mol/m²/d", "mol/m²/d": "mol/m²/d", "mol/m2/day": "mol/m²/d",
	"kpa": "kPa", "hpa": "hPa", "pa": "Pa", "mbar": "mbar", "psi": "psi",
}

// ErrUnknownUnit is returned for a unit symbol no alias resolves.
var ErrUnknownUnit = errors.New("unknown unit")

// ErrIncompatibleUnits is returned when converting across dimensions.
var ErrIncompatibleUnits = errors.New("incompatible units")

// CanonicalUnit resolves a device-supplied unit spelling to its canonical
// symbol. Empty units are never resolved.
func CanonicalUnit(u string) (string, bool) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", false
	}
	if _, ok := units[u]; ok {
		return u, true
	}
	sym, ok := aliases[strings.ToLower(u)]
	return sym, ok
}

// UnitDimension returns the dimension of a unit spelling.
func UnitDimension(u string) (Dimension, bool) {
	sym, ok := CanonicalUnit(u)
	if !ok {
		return "", false
	}
	return units[sym].dim, true
}

// Convert converts v from one unit to another of the same dimension.
func Convert(v float64, from, to string) (float64, error) {
	fromSym, ok := CanonicalUnit(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	toSym, ok := CanonicalUnit(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if fromSym == toSym {
		return v, nil
	}
	f, t := units[fromSym], units[toSym]
	if f.dim != t.dim {
		return 0, fmt.Errorf("%w: %s (%s) to %s (%s)", ErrIncompatibleUnits, fromSym, f.dim, toSym, t.dim)
	}
	return t.fromBase(f.toBase(v)), nil
}

func toBase(v float64, unit string) (float64, bool) {
	sym, ok := CanonicalUnit(unit)
	if !ok {
		return 0, false
	}
	return units[sym].toBase(v), true
}
