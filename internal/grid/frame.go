// Package grid holds the in-memory payload model stored in partitions: a
// set of named dimension coordinates, float64 variables spanning every
// dimension in row-major order, and free-form string attributes.
package grid

import (
	"fmt"
	"sort"

	"github.com/pvforecast/nwplake/pkg/types"
)

// Coord is the labelled axis of one dimension.
type Coord struct {
	Name   string
	Type   types.ScalarType
	Values []any
}

// Len returns the number of labels.
func (c Coord) Len() int { return len(c.Values) }

// Variable is a data array laid out over every dimension of its frame.
type Variable struct {
	Name  string
	Units string
	Data  []float64
}

// Frame is an n-dimensional labelled dataset.
type Frame struct {
	Coords []Coord
	Vars   []Variable
	Attrs  map[string]string
}

// New creates an empty frame over coords. Coordinate values are cast to
// their declared types.
func New(coords ...Coord) (*Frame, error) {
	f := &Frame{Attrs: map[string]string{}}
	seen := map[string]struct{}{}
	for _, c := range coords {
		if c.Name == "" {
			return nil, fmt.Errorf("coordinate with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", c.Name)
		}
		seen[c.Name] = struct{}{}

		vals := make([]any, len(c.Values))
		for i, v := range c.Values {
			cv, err := types.Cast(c.Type, v)
			if err != nil {
				return nil, fmt.Errorf("dimension %q label %d: %w", c.Name, i, err)
			}
			vals[i] = cv
		}
		f.Coords = append(f.Coords, Coord{Name: c.Name, Type: c.Type, Values: vals})
	}
	return f, nil
}

// AddVar attaches a variable; data must cover the full shape.
func (f *Frame) AddVar(name, units string, data []float64) error {
	if len(data) != f.Size() {
		return fmt.Errorf("variable %q has %d values, frame size is %d", name, len(data), f.Size())
	}
	if _, ok := f.Var(name); ok {
		return fmt.Errorf("duplicate variable %q", name)
	}
	f.Vars = append(f.Vars, Variable{Name: name, Units: units, Data: data})
	return nil
}

// Dims returns the dimension names in order.
func (f *Frame) Dims() []string {
	dims := make([]string, len(f.Coords))
	for i, c := range f.Coords {
		dims[i] = c.Name
	}
	return dims
}

// Shape returns the length of every dimension.
func (f *Frame) Shape() []int {
	shape := make([]int, len(f.Coords))
	for i, c := range f.Coords {
		shape[i] = c.Len()
	}
	return shape
}

// Size is the number of cells, the product of the shape.
func (f *Frame) Size() int {
	n := 1
	for _, c := range f.Coords {
		n *= c.Len()
	}
	return n
}

// DimIndex returns the axis position of dim, or -1.
func (f *Frame) DimIndex(dim string) int {
	for i, c := range f.Coords {
		if c.Name == dim {
			return i
		}
	}
	return -1
}

// Coord returns the coordinate of dim.
func (f *Frame) Coord(dim string) (Coord, bool) {
	if i := f.DimIndex(dim); i >= 0 {
		return f.Coords[i], true
	}
	return Coord{}, false
}

// Var returns the variable called name.
func (f *Frame) Var(name string) (*Variable, bool) {
	for i := range f.Vars {
		if f.Vars[i].Name == name {
			return &f.Vars[i], true
		}
	}
	return nil, false
}

// VarNames returns the variable names in order.
func (f *Frame) VarNames() []string {
	names := make([]string, len(f.Vars))
	for i, v := range f.Vars {
		names[i] = v.Name
	}
	return names
}

// Validate checks that every variable covers the shape.
func (f *Frame) Validate() error {
	size := f.Size()
	for _, v := range f.Vars {
		if len(v.Data) != size {
			return fmt.Errorf("variable %q has %d values, frame size is %d", v.Name, len(v.Data), size)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{Attrs: make(map[string]string, len(f.Attrs))}
	for _, c := range f.Coords {
		out.Coords = append(out.Coords, Coord{Name: c.Name, Type: c.Type, Values: append([]any(nil), c.Values...)})
	}
	for _, v := range f.Vars {
		out.Vars = append(out.Vars, Variable{Name: v.Name, Units: v.Units, Data: append([]float64(nil), v.Data...)})
	}
	for k, v := range f.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// At returns the value of variable name at the given label position.
func (f *Frame) At(name string, idx ...int) (float64, error) {
	v, ok := f.Var(name)
	if !ok {
		return 0, fmt.Errorf("unknown variable %q", name)
	}
	if len(idx) != len(f.Coords) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(f.Coords), len(idx))
	}
	flat := 0
	for i, c := range f.Coords {
		if idx[i] < 0 || idx[i] >= c.Len() {
			return 0, fmt.Errorf("index %d out of range for %q", idx[i], c.Name)
		}
		flat = flat*c.Len() + idx[i]
	}
	return v.Data[flat], nil
}

// blocks describes row-major layout around axis d: outer blocks before it
// and the contiguous inner run after it.
func (f *Frame) blocks(d int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i, c := range f.Coords {
		switch {
		case i < d:
			outer *= c.Len()
		case i > d:
			inner *= c.Len()
		}
	}
	return outer, f.Coords[d].Len(), inner
}

// Isel selects the given label positions along dim, in the given order.
func (f *Frame) Isel(dim string, indices []int) (*Frame, error) {
	d := f.DimIndex(dim)
	if d < 0 {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	outer, n, inner := f.blocks(d)
	for _, j := range indices {
		if j < 0 || j >= n {
			return nil, fmt.Errorf("index %d out of range for %q (len %d)", j, dim, n)
		}
	}

	out := &Frame{Attrs: copyAttrs(f.Attrs)}
	for i, c := range f.Coords {
		if i != d {
			out.Coords = append(out.Coords, Coord{Name: c.Name, Type: c.Type, Values: append([]any(nil), c.Values...)})
			continue
		}
		vals := make([]any, len(indices))
		for k, j := range indices {
			vals[k] = c.Values[j]
		}
		out.Coords = append(out.Coords, Coord{Name: c.Name, Type: c.Type, Values: vals})
	}

	m := len(indices)
	for _, v := range f.Vars {
		data := make([]float64, outer*m*inner)
		for o := 0; o < outer; o++ {
			for k, j := range indices {
				src := (o*n + j) * inner
				dst := (o*m + k) * inner
				copy(data[dst:dst+inner], v.Data[src:src+inner])
			}
		}
		out.Vars = append(out.Vars, Variable{Name: v.Name, Units: v.Units, Data: data})
	}
	return out, nil
}

// Sel selects the labels equal to the given values along dim.
func (f *Frame) Sel(dim string, values ...any) (*Frame, error) {
	c, ok := f.Coord(dim)
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	var idx []int
	for _, want := range values {
		found := false
		for i, have := range c.Values {
			if types.Equal(have, want) {
				idx = append(idx, i)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("label %v not found on %q", want, dim)
		}
	}
	return f.Isel(dim, idx)
}

// Where keeps the labels of dim for which keep returns true.
func (f *Frame) Where(dim string, keep func(v any) bool) (*Frame, error) {
	c, ok := f.Coord(dim)
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	var idx []int
	for i, v := range c.Values {
		if keep(v) {
			idx = append(idx, i)
		}
	}
	return f.Isel(dim, idx)
}

// SortBy orders dim by its labels ascending.
func (f *Frame) SortBy(dim string) (*Frame, error) {
	c, ok := f.Coord(dim)
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	perm := make([]int, c.Len())
	for i := range perm {
		perm[i] = i
	}
	var cmpErr error
	sort.SliceStable(perm, func(a, b int) bool {
		r, err := types.Compare(c.Values[perm[a]], c.Values[perm[b]])
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		return r < 0
	})
	if cmpErr != nil {
		return nil, cmpErr
	}
	return f.Isel(dim, perm)
}

// Squeeze removes dim, which must have exactly one label. The label is
// returned so callers can keep it as metadata.
func (f *Frame) Squeeze(dim string) (*Frame, any, error) {
	d := f.DimIndex(dim)
	if d < 0 {
		return nil, nil, fmt.Errorf("unknown dimension %q", dim)
	}
	if n := f.Coords[d].Len(); n != 1 {
		return nil, nil, fmt.Errorf("cannot squeeze %q of length %d", dim, n)
	}
	out := f.Clone()
	label := out.Coords[d].Values[0]
	out.Coords = append(out.Coords[:d], out.Coords[d+1:]...)
	return out, label, nil
}

// Diff replaces the named variables by their first difference along dim
// and drops the first label, so every variable stays aligned. Variables
// not named keep their values at the remaining labels.
func (f *Frame) Diff(dim string, names ...string) (*Frame, error) {
	d := f.DimIndex(dim)
	if d < 0 {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	outer, n, inner := f.blocks(d)
	if n < 2 {
		return nil, fmt.Errorf("cannot difference %q of length %d", dim, n)
	}
	diffed := map[string]bool{}
	for _, name := range names {
		if _, ok := f.Var(name); !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		diffed[name] = true
	}

	keep := make([]int, n-1)
	for i := range keep {
		keep[i] = i + 1
	}
	out, err := f.Isel(dim, keep)
	if err != nil {
		return nil, err
	}
	for vi, v := range f.Vars {
		if !diffed[v.Name] {
			continue
		}
		data := out.Vars[vi].Data
		for o := 0; o < outer; o++ {
			for j := 1; j < n; j++ {
				cur := (o*n + j) * inner
				prev := (o*n + j - 1) * inner
				dst := (o*(n-1) + j - 1) * inner
				for r := 0; r < inner; r++ {
					data[dst+r] = v.Data[cur+r] - v.Data[prev+r]
				}
			}
		}
	}
	return out, nil
}

// Apply maps fn over every value of the named variable in place.
func (f *Frame) Apply(name string, fn func(float64) float64) error {
	v, ok := f.Var(name)
	if !ok {
		return fmt.Errorf("unknown variable %q", name)
	}
	for i, x := range v.Data {
		v.Data[i] = fn(x)
	}
	return nil
}

// ApplyAlong maps fn over the named variable in place, passing the label of
// dim each value sits at.
func (f *Frame) ApplyAlong(name, dim string, fn func(label any, v float64) float64) error {
	v, ok := f.Var(name)
	if !ok {
		return fmt.Errorf("unknown variable %q", name)
	}
	d := f.DimIndex(dim)
	if d < 0 {
		return fmt.Errorf("unknown dimension %q", dim)
	}
	outer, n, inner := f.blocks(d)
	labels := f.Coords[d].Values
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			base := (o*n + j) * inner
			for r := 0; r < inner; r++ {
				v.Data[base+r] = fn(labels[j], v.Data[base+r])
			}
		}
	}
	return nil
}

// RenameVar renames a variable and optionally updates its units.
func (f *Frame) RenameVar(from, to, units string) error {
	v, ok := f.Var(from)
	if !ok {
		return fmt.Errorf("unknown variable %q", from)
	}
	if _, clash := f.Var(to); clash && from != to {
		return fmt.Errorf("variable %q already exists", to)
	}
	v.Name = to
	if units != "" {
		v.Units = units
	}
	return nil
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
