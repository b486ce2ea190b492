package nwp

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/grib"
	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/pkg/types"
)

// Normalize assembles the fields matching params into one frame with dims
// [model_run_time_utc, time_utc, y, x]. Fields of unknown parameters are
// ignored; every parameter must appear at least once and all fields must
// share one grid. Cells without a field are NaN.
func Normalize(fields []*grib.Field, params []Parameter) (*grid.Frame, error) {
	type placed struct {
		param Parameter
		field *grib.Field
	}
	var (
		matched []placed
		runs    []time.Time
		times   []time.Time
		ni, nj  int
	)
	for _, f := range fields {
		p, ok := lookup(params, f.Key())
		if !ok {
			continue
		}
		if f.Ni <= 0 || f.Nj <= 0 {
			return nil, nerrors.NewDecodeError(nerrors.CodeUnsupported,
				fmt.Sprintf("%s: grid template 3.%d has no regular shape", p.Name, f.GridTemplate), nil)
		}
		if len(matched) == 0 {
			ni, nj = f.Ni, f.Nj
		} else if f.Ni != ni || f.Nj != nj {
			return nil, nerrors.NewDecodeError(nerrors.CodeDecodeFailed,
				fmt.Sprintf("%s: grid %dx%d differs from %dx%d", p.Name, f.Ni, f.Nj, ni, nj), nil)
		}
		matched = append(matched, placed{param: p, field: f})
		runs = addTime(runs, f.ReferenceTime)
		times = addTime(times, f.ValidTime)
	}

	var missing []string
	for _, p := range params {
		found := false
		for _, m := range matched {
			if m.param.Name == p.Name {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, nerrors.NewDecodeError(nerrors.CodeDecodeFailed,
			"missing parameters: "+strings.Join(missing, ", "), nil)
	}

	frame, err := grid.New(
		grid.Coord{Name: DimModelRun, Type: types.TypeDatetimeMs, Values: timeLabels(runs)},
		grid.Coord{Name: DimTime, Type: types.TypeDatetimeMs, Values: timeLabels(times)},
		grid.Coord{Name: DimY, Type: types.TypeInt64, Values: indexLabels(nj)},
		grid.Coord{Name: DimX, Type: types.TypeInt64, Values: indexLabels(ni)},
	)
	if err != nil {
		return nil, nerrors.NewInternalError("building forecast frame", err)
	}

	cells := ni * nj
	for _, p := range params {
		data := make([]float64, frame.Size())
		for i := range data {
			data[i] = math.NaN()
		}
		for _, m := range matched {
			if m.param.Name != p.Name {
				continue
			}
			values, err := m.field.Values()
			if err != nil {
				return nil, fmt.Errorf("%s at %s: %w", p.Name, m.field.ValidTime.Format(time.RFC3339), err)
			}
			ri := indexOf(runs, m.field.ReferenceTime)
			ti := indexOf(times, m.field.ValidTime)
			copy(data[(ri*len(times)+ti)*cells:], values)
		}
		if err := frame.AddVar(p.Name, p.Units, data); err != nil {
			return nil, nerrors.NewInternalError("adding "+p.Name, err)
		}
	}

	first := matched[0].field
	frame.Attrs["centre"] = strconv.Itoa(int(first.Centre))
	frame.Attrs["grid_template"] = strconv.Itoa(int(first.GridTemplate))
	return frame, nil
}

// addTime inserts t into the sorted set ts.
func addTime(ts []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(t) })
	if i < len(ts) && ts[i].Equal(t) {
		return ts
	}
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = t
	return ts
}

func indexOf(ts []time.Time, t time.Time) int {
	return sort.Search(len(ts), func(i int) bool { return !ts[i].Before(t) })
}

func timeLabels(ts []time.Time) []any {
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}

func indexLabels(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}
