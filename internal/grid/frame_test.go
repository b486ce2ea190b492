package grid

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforecast/nwplake/pkg/types"
)

var run0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func hours(base time.Time, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * time.Hour)
	}
	return out
}

// sample builds a frame of shape run(1) x time(3) x point(2) where each
// cell holds 100*t + p.
func sample(t *testing.T) *Frame {
	t.Helper()
	f, err := New(
		Coord{Name: "model_run_time_utc", Type: types.TypeDatetimeMs, Values: []any{run0}},
		Coord{Name: "time_utc", Type: types.TypeDatetimeMs, Values: hours(run0, 3)},
		Coord{Name: "point", Type: types.TypeInt64, Values: []any{0, 1}},
	)
	require.NoError(t, err)
	data := make([]float64, 0, 6)
	for ti := 0; ti < 3; ti++ {
		for p := 0; p < 2; p++ {
			data = append(data, float64(100*ti+p))
		}
	}
	require.NoError(t, f.AddVar("temperature_K", "K", data))
	f.Attrs["source"] = "test"
	return f
}

func TestNew_CastsLabels(t *testing.T) {
	f, err := New(Coord{Name: "member", Type: types.TypeInt64, Values: []any{1, "2", 3.0}})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, f.Coords[0].Values)

	_, err = New(Coord{Name: "member", Type: types.TypeInt64, Values: []any{"x"}})
	assert.Error(t, err)

	_, err = New(Coord{Name: "a", Type: types.TypeInt64}, Coord{Name: "a", Type: types.TypeInt64})
	assert.Error(t, err)
}

func TestAddVar_ChecksShape(t *testing.T) {
	f := sample(t)
	assert.Equal(t, []int{1, 3, 2}, f.Shape())
	assert.Error(t, f.AddVar("bad", "", make([]float64, 5)))
	assert.Error(t, f.AddVar("temperature_K", "", make([]float64, 6)))
}

func TestIsel(t *testing.T) {
	f := sample(t)

	sub, err := f.Isel("time_utc", []int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, sub.Shape())
	assert.Equal(t, []float64{200, 201, 0, 1}, sub.Vars[0].Data)
	assert.Equal(t, "test", sub.Attrs["source"])

	sub, err = f.Isel("point", []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 101, 201}, sub.Vars[0].Data)

	_, err = f.Isel("point", []int{2})
	assert.Error(t, err)
	_, err = f.Isel("nope", []int{0})
	assert.Error(t, err)
}

func TestSelAndWhere(t *testing.T) {
	f := sample(t)

	sub, err := f.Sel("time_utc", "2024-05-01T01:00:00")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101}, sub.Vars[0].Data)

	_, err = f.Sel("time_utc", run0.Add(24*time.Hour))
	assert.Error(t, err)

	sub, err = f.Where("time_utc", func(v any) bool { return v.(time.Time).After(run0) })
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Coords[1].Len())
}

func TestSortBy(t *testing.T) {
	f := sample(t)
	rev, err := f.Isel("time_utc", []int{2, 1, 0})
	require.NoError(t, err)

	sorted, err := rev.SortBy("time_utc")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(f, sorted))
}

func TestSqueeze(t *testing.T) {
	f := sample(t)
	sq, label, err := f.Squeeze("model_run_time_utc")
	require.NoError(t, err)
	assert.Equal(t, run0, label)
	assert.Equal(t, []string{"time_utc", "point"}, sq.Dims())
	assert.Equal(t, f.Vars[0].Data, sq.Vars[0].Data)

	_, _, err = f.Squeeze("time_utc")
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	f := sample(t)
	require.NoError(t, f.AddVar("accumulated", "J m-2", []float64{0, 0, 10, 20, 30, 60}))

	d, err := f.Diff("time_utc", "accumulated")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, d.Shape())
	assert.Equal(t, []float64{10, 20, 20, 40}, d.Vars[1].Data)
	// untouched variables are aligned to the remaining labels
	assert.Equal(t, []float64{100, 101, 200, 201}, d.Vars[0].Data)
	assert.Equal(t, hours(run0.Add(time.Hour), 2), d.Coords[1].Values)

	_, err = f.Diff("model_run_time_utc", "accumulated")
	assert.Error(t, err)
	_, err = f.Diff("time_utc", "missing")
	assert.Error(t, err)
}

func TestApplyAndRename(t *testing.T) {
	f := sample(t)
	require.NoError(t, f.Apply("temperature_K", func(x float64) float64 { return x / 2 }))
	assert.Equal(t, 50.0, f.Vars[0].Data[2])

	require.NoError(t, f.RenameVar("temperature_K", "t2m", "degC"))
	v, ok := f.Var("t2m")
	require.True(t, ok)
	assert.Equal(t, "degC", v.Units)
	assert.Error(t, f.RenameVar("missing", "x", ""))
}

func TestApplyAlong(t *testing.T) {
	f := sample(t)
	require.NoError(t, f.ApplyAlong("temperature_K", "time_utc", func(label any, v float64) float64 {
		return v + float64(label.(time.Time).Sub(run0)/time.Hour)
	}))
	assert.Equal(t, []float64{0, 1, 101, 102, 202, 203}, f.Vars[0].Data)

	assert.Error(t, f.ApplyAlong("missing", "time_utc", nil))
	assert.Error(t, f.ApplyAlong("temperature_K", "missing", nil))
}

func TestAt(t *testing.T) {
	f := sample(t)
	v, err := f.At("temperature_K", 0, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 201.0, v)

	_, err = f.At("temperature_K", 0, 3, 0)
	assert.Error(t, err)
}

func TestGroupBy(t *testing.T) {
	f := sample(t)
	groups, err := f.GroupBy("model_run_time_utc", "time_utc")
	require.NoError(t, err)
	require.Len(t, groups, 3)

	for i, g := range groups {
		assert.Equal(t, run0, g.Key["model_run_time_utc"])
		assert.Equal(t, run0.Add(time.Duration(i)*time.Hour), g.Key["time_utc"])
		assert.Equal(t, []int{1, 1, 2}, g.Frame.Shape())
		assert.Equal(t, []float64{float64(100 * i), float64(100*i + 1)}, g.Frame.Vars[0].Data)
	}

	_, err = f.GroupBy("nope")
	assert.Error(t, err)
}

func TestCombine_RoundTripsGroupBy(t *testing.T) {
	f := sample(t)
	groups, err := f.GroupBy("time_utc")
	require.NoError(t, err)

	parts := make([]*Frame, len(groups))
	for i, g := range groups {
		parts[i] = g.Frame
	}
	back, err := Combine(parts)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(f, back))
}

func TestCombine_FillsGapsWithNaN(t *testing.T) {
	a, err := New(
		Coord{Name: "time_utc", Type: types.TypeDatetimeMs, Values: []any{run0}},
		Coord{Name: "point", Type: types.TypeInt64, Values: []any{0}},
	)
	require.NoError(t, err)
	require.NoError(t, a.AddVar("x", "", []float64{1}))
	a.Attrs["model_run_time_utc"] = "2024-05-01T00:00:00.000"
	a.Attrs["grid"] = "dini"

	b, err := New(
		Coord{Name: "time_utc", Type: types.TypeDatetimeMs, Values: []any{run0.Add(time.Hour)}},
		Coord{Name: "point", Type: types.TypeInt64, Values: []any{1}},
	)
	require.NoError(t, err)
	require.NoError(t, b.AddVar("x", "", []float64{2}))
	require.NoError(t, b.AddVar("y", "", []float64{3}))
	b.Attrs["model_run_time_utc"] = "2024-05-01T03:00:00.000"
	b.Attrs["grid"] = "dini"

	c, err := Combine([]*Frame{a, b})
	require.NoError(t, err)

	nan := math.NaN()
	want := &Frame{
		Coords: []Coord{
			{Name: "time_utc", Type: types.TypeDatetimeMs, Values: hours(run0, 2)},
			{Name: "point", Type: types.TypeInt64, Values: []any{int64(0), int64(1)}},
		},
		Vars: []Variable{
			{Name: "x", Data: []float64{1, nan, nan, 2}},
			{Name: "y", Data: []float64{nan, nan, nan, 3}},
		},
		// conflicting attributes are dropped
		Attrs: map[string]string{"grid": "dini"},
	}
	assert.Empty(t, cmp.Diff(want, c, cmpopts.EquateNaNs()))
}

func TestCombine_Errors(t *testing.T) {
	_, err := Combine(nil)
	assert.Error(t, err)

	a, _ := New(Coord{Name: "a", Type: types.TypeInt64, Values: []any{1}})
	b, _ := New(Coord{Name: "b", Type: types.TypeInt64, Values: []any{1}})
	_, err = Combine([]*Frame{a, b})
	assert.Error(t, err)

	c, _ := New(Coord{Name: "a", Type: types.TypeString, Values: []any{"1"}})
	_, err = Combine([]*Frame{a, c})
	assert.Error(t, err)
}

func TestConcat_RequiresMatchingOtherAxes(t *testing.T) {
	f := sample(t)
	left, err := f.Isel("time_utc", []int{0, 1})
	require.NoError(t, err)
	right, err := f.Isel("time_utc", []int{2})
	require.NoError(t, err)

	back, err := Concat([]*Frame{left, right}, "time_utc")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(f, back))

	narrow, err := right.Isel("point", []int{0})
	require.NoError(t, err)
	_, err = Concat([]*Frame{left, narrow}, "time_utc")
	assert.Error(t, err)
}
