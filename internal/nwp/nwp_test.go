package nwp

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/grib"
	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/pkg/types"
)

var run = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

// step encodes one forecast step holding every default parameter on a 2x2
// grid. Accumulated radiation grows by 3600*(10+i) J/m2 per hour.
func step(t *testing.T, hour int) []*grib.Field {
	t.Helper()
	valid := run.Add(time.Duration(hour) * time.Hour)
	fill := func(base float64) []float64 {
		return []float64{base, base + 1, base + 2, base + 3}
	}
	acc := func(scale float64) []float64 {
		out := make([]float64, 4)
		for i := range out {
			out[i] = scale * 3600 * float64((10+i)*hour)
		}
		return out
	}
	var products []grib.Product
	for _, p := range DefaultParameters {
		prod := grib.Product{
			Category: p.Category, Number: p.Number,
			SurfaceType: p.SurfaceType, SurfaceValue: uint32(p.Level),
			ReferenceTime: run, ValidTime: valid,
			Ni: 2, Nj: 2,
		}
		switch p.Name {
		case "temperature_K":
			prod.Values = fill(280 + float64(hour))
		case "wind_u_m_s":
			prod.Values = fill(3)
		case "wind_v_m_s":
			prod.Values = fill(-2)
		case "accumulated_global_radiation_J_m2":
			prod.SurfaceType = grib.SurfaceGround
			prod.Accumulated = true
			prod.Values = acc(1)
		case "accumulated_direct_radiation_J_m2":
			prod.SurfaceType = grib.SurfaceGround
			prod.Accumulated = true
			prod.Values = acc(0.5)
		}
		products = append(products, prod)
	}

	var buf bytes.Buffer
	require.NoError(t, grib.Encode(&buf, products...))
	fields, err := grib.Decode(&buf)
	require.NoError(t, err)
	return fields
}

func TestParameter_Matches(t *testing.T) {
	temp := DefaultParameters[0]
	assert.True(t, temp.Matches(grib.Key{Category: 0, Number: 0, SurfaceType: grib.SurfaceHeightAboveGround, SurfaceValue: 2}))
	assert.False(t, temp.Matches(grib.Key{Category: 0, Number: 0, SurfaceType: grib.SurfaceHeightAboveGround, SurfaceValue: 100}))
	assert.False(t, temp.Matches(grib.Key{Category: 0, Number: 0, SurfaceType: grib.SurfaceGround, SurfaceValue: 2}))

	glob := DefaultParameters[3]
	assert.True(t, glob.Matches(grib.Key{Category: 4, Number: 3, SurfaceType: grib.SurfaceGround}))
	assert.True(t, glob.Matches(grib.Key{Category: 4, Number: 3, SurfaceType: 8}))
}

func TestNormalize(t *testing.T) {
	fields := append(step(t, 1), step(t, 0)...)

	f, err := Normalize(fields, DefaultParameters)
	require.NoError(t, err)

	assert.Equal(t, []string{DimModelRun, DimTime, DimY, DimX}, f.Dims())
	assert.Equal(t, []int{1, 2, 2, 2}, f.Shape())
	assert.Equal(t, []any{run, run.Add(time.Hour)}, f.Coords[1].Values)
	assert.Equal(t, []any{int64(0), int64(1)}, f.Coords[2].Values)
	assert.Equal(t, "94", f.Attrs["centre"])

	names := make([]string, len(DefaultParameters))
	for i, p := range DefaultParameters {
		names[i] = p.Name
	}
	assert.Equal(t, names, f.VarNames())

	v, err := f.At("temperature_K", 0, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 283.0, v)
	v, err = f.At("accumulated_global_radiation_J_m2", 0, 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3600.0*11, v)
}

func TestNormalize_IgnoresUnknownFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, grib.Encode(&buf, grib.Product{
		Category: 1, Number: 8, SurfaceType: grib.SurfaceGround,
		ReferenceTime: run, ValidTime: run, Ni: 2, Nj: 2, Values: []float64{0, 0, 0, 0},
	}))
	extra, err := grib.Decode(&buf)
	require.NoError(t, err)

	f, err := Normalize(append(step(t, 0), extra...), DefaultParameters)
	require.NoError(t, err)
	assert.Len(t, f.Vars, len(DefaultParameters))
}

func TestNormalize_Errors(t *testing.T) {
	_, err := Normalize(step(t, 0)[:2], DefaultParameters)
	assert.Equal(t, nerrors.CodeDecodeFailed, nerrors.GetCode(err))
	assert.Contains(t, err.Error(), "wind_v_m_s")

	_, err = Normalize(nil, DefaultParameters)
	assert.Error(t, err)

	fields := step(t, 0)
	odd := *fields[1]
	odd.Ni, odd.Nj, odd.NumPoints = 4, 1, 4
	_, err = Normalize([]*grib.Field{fields[0], &odd}, DefaultParameters[:2])
	assert.Equal(t, nerrors.CodeDecodeFailed, nerrors.GetCode(err))
}

func TestConsolidate(t *testing.T) {
	var fields []*grib.Field
	for _, h := range []int{2, 0, 1} {
		fields = append(fields, step(t, h)...)
	}
	f, err := Normalize(fields, DefaultParameters)
	require.NoError(t, err)

	out, err := Consolidate(f)
	require.NoError(t, err)

	assert.Equal(t, []string{DimTime, DimY, DimX}, out.Dims())
	assert.Equal(t, []any{run.Add(time.Hour), run.Add(2 * time.Hour)}, out.Coords[0].Values)
	assert.Equal(t, "2024-05-01T03:00:00.000", out.Attrs[DimModelRun])
	assert.Equal(t, []string{"temperature_K", "wind_u_m_s", "wind_v_m_s", "global_radiation_W_m2", "direct_radiation_W_m2"}, out.VarNames())

	glob, _ := out.Var("global_radiation_W_m2")
	assert.Equal(t, "W m-2", glob.Units)
	assert.Equal(t, []float64{10, 11, 12, 13, 10, 11, 12, 13}, glob.Data)
	direct, _ := out.Var("direct_radiation_W_m2")
	assert.Equal(t, []float64{5, 5.5, 6, 6.5, 5, 5.5, 6, 6.5}, direct.Data)

	temp, _ := out.Var("temperature_K")
	assert.Equal(t, []float64{281, 282, 283, 284, 282, 283, 284, 285}, temp.Data)
}

func TestConsolidate_UnevenIntervals(t *testing.T) {
	f, err := grid.New(
		grid.Coord{Name: DimModelRun, Type: types.TypeDatetimeMs, Values: []any{run}},
		grid.Coord{Name: DimTime, Type: types.TypeDatetimeMs, Values: []any{run, run.Add(time.Hour), run.Add(3 * time.Hour)}},
	)
	require.NoError(t, err)
	require.NoError(t, f.AddVar("accumulated_global_radiation_J_m2", "J m-2", []float64{0, 3600, 3600 + 7200*4}))

	out, err := Consolidate(f)
	require.NoError(t, err)
	v, _ := out.Var("global_radiation_W_m2")
	assert.Equal(t, []float64{1, 4}, v.Data)
}

func TestConsolidate_Errors(t *testing.T) {
	f, err := grid.New(
		grid.Coord{Name: DimModelRun, Type: types.TypeDatetimeMs, Values: []any{run, run.Add(3 * time.Hour)}},
		grid.Coord{Name: DimTime, Type: types.TypeDatetimeMs, Values: []any{run, run.Add(time.Hour)}},
	)
	require.NoError(t, err)
	_, err = Consolidate(f)
	assert.Error(t, err, "two model runs cannot be squeezed")

	single, err := f.Isel(DimModelRun, []int{0})
	require.NoError(t, err)
	single, err = single.Isel(DimTime, []int{0})
	require.NoError(t, err)
	_, err = Consolidate(single)
	assert.Error(t, err, "one step has no interval")
}

func TestFluxName(t *testing.T) {
	assert.True(t, IsAccumulated("accumulated_direct_radiation_J_m2"))
	assert.False(t, IsAccumulated("temperature_K"))
	assert.Equal(t, "direct_radiation_W_m2", FluxName("accumulated_direct_radiation_J_m2"))
}
