package nwp

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/pkg/types"
)

const (
	accumulatedPrefix = "accumulated_"
	energySuffix      = "_J_m2"
	powerSuffix       = "_W_m2"
)

// Consolidate turns the frame of a single model run into its consolidated
// form: the run dimension is squeezed into the model_run_time_utc attr,
// time_utc is sorted, and every accumulated_*_J_m2 variable becomes the
// mean flux *_W_m2 over the interval ending at each step. The first step
// has no preceding interval and is dropped for every variable.
func Consolidate(f *grid.Frame) (*grid.Frame, error) {
	out, run, err := f.Squeeze(DimModelRun)
	if err != nil {
		return nil, err
	}
	if out, err = out.SortBy(DimTime); err != nil {
		return nil, err
	}
	times, _ := out.Coord(DimTime)

	var accumulated []string
	for _, name := range out.VarNames() {
		if IsAccumulated(name) {
			accumulated = append(accumulated, name)
		}
	}
	if out, err = out.Diff(DimTime, accumulated...); err != nil {
		return nil, err
	}

	// seconds[t] is the length of the interval ending at t
	seconds := make(map[int64]float64, times.Len())
	for i := 1; i < times.Len(); i++ {
		end, start := times.Values[i].(time.Time), times.Values[i-1].(time.Time)
		seconds[end.UnixMilli()] = end.Sub(start).Seconds()
	}
	for _, name := range accumulated {
		err := out.ApplyAlong(name, DimTime, func(label any, v float64) float64 {
			s := seconds[label.(time.Time).UnixMilli()]
			if s <= 0 {
				return math.NaN()
			}
			return v / s
		})
		if err != nil {
			return nil, err
		}
		if err := out.RenameVar(name, FluxName(name), "W m-2"); err != nil {
			return nil, err
		}
	}

	label, err := types.Format(types.TypeDatetimeMs, run)
	if err != nil {
		return nil, fmt.Errorf("model run label: %w", err)
	}
	out.Attrs[DimModelRun] = label
	return out, nil
}

// IsAccumulated reports whether name holds an energy accumulated since the
// start of the run.
func IsAccumulated(name string) bool {
	return strings.HasPrefix(name, accumulatedPrefix) && strings.HasSuffix(name, energySuffix)
}

// FluxName maps accumulated_x_J_m2 to x_W_m2.
func FluxName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, accumulatedPrefix), energySuffix) + powerSuffix
}
