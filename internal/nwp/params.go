// Package nwp turns decoded GRIB forecast fields into frames and derives
// the consolidated view from complete forecast batches.
package nwp

import (
	"github.com/pvforecast/nwplake/internal/grib"
)

// Dimension names of normalised forecast frames.
const (
	DimModelRun = "model_run_time_utc"
	DimTime     = "time_utc"
	DimY        = "y"
	DimX        = "x"
)

// Parameter maps one GRIB product to a named variable.
type Parameter struct {
	Name        string
	Units       string
	Discipline  uint8
	Category    uint8
	Number      uint8
	SurfaceType uint8 // zero matches any surface
	Level       float64
}

// Matches reports whether k identifies this parameter.
func (p Parameter) Matches(k grib.Key) bool {
	if k.Discipline != p.Discipline || k.Category != p.Category || k.Number != p.Number {
		return false
	}
	if p.SurfaceType != 0 && k.SurfaceType != p.SurfaceType {
		return false
	}
	return k.SurfaceValue == p.Level
}

// DefaultParameters are the surface fields kept from HARMONIE runs.
var DefaultParameters = []Parameter{
	{Name: "temperature_K", Units: "K", Category: 0, Number: 0, SurfaceType: grib.SurfaceHeightAboveGround, Level: 2},
	{Name: "wind_u_m_s", Units: "m s-1", Category: 2, Number: 2, SurfaceType: grib.SurfaceHeightAboveGround, Level: 10},
	{Name: "wind_v_m_s", Units: "m s-1", Category: 2, Number: 3, SurfaceType: grib.SurfaceHeightAboveGround, Level: 10},
	{Name: "accumulated_global_radiation_J_m2", Units: "J m-2", Category: 4, Number: 3, Level: 0},
	{Name: "accumulated_direct_radiation_J_m2", Units: "J m-2", Category: 4, Number: 9, Level: 0},
}

// lookup returns the first parameter matching k.
func lookup(params []Parameter, k grib.Key) (Parameter, bool) {
	for _, p := range params {
		if p.Matches(k) {
			return p, true
		}
	}
	return Parameter{}, false
}
