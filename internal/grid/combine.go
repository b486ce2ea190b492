package grid

import (
	"fmt"
	"math"

	"github.com/pvforecast/nwplake/pkg/types"
)

// Group is one cell of a partitioning: the key labels and the sub-frame
// holding them. Partition dims keep length 1 in the sub-frame.
type Group struct {
	Key   types.KeyMap
	Frame *Frame
}

// GroupBy splits f into the Cartesian product of the labels of dims.
// Groups are ordered by label position, first dim outermost.
func (f *Frame) GroupBy(dims ...string) ([]Group, error) {
	for _, d := range dims {
		if f.DimIndex(d) < 0 {
			return nil, fmt.Errorf("unknown dimension %q", d)
		}
	}

	groups := []Group{{Key: types.KeyMap{}, Frame: f}}
	for _, d := range dims {
		var next []Group
		for _, g := range groups {
			c, _ := g.Frame.Coord(d)
			for i, label := range c.Values {
				sub, err := g.Frame.Isel(d, []int{i})
				if err != nil {
					return nil, err
				}
				key := g.Key.Clone()
				key[d] = label
				next = append(next, Group{Key: key, Frame: sub})
			}
		}
		groups = next
	}
	return groups, nil
}

// Combine merges frames with identical dimension names into one, taking
// the union of labels on every axis in first-seen order. Cells no frame
// covers are NaN. Later frames overwrite earlier ones where they overlap.
// Attributes that disagree between frames are dropped.
func Combine(frames []*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("nothing to combine")
	}
	if len(frames) == 1 {
		return frames[0].Clone(), nil
	}

	first := frames[0]
	dims := first.Dims()
	for _, fr := range frames[1:] {
		if err := sameDims(dims, fr); err != nil {
			return nil, err
		}
	}

	// union of labels per axis
	out := &Frame{Attrs: mergeAttrs(frames)}
	lookup := make([]map[string]int, len(dims))
	for d, name := range dims {
		c := Coord{Name: name, Type: first.Coords[d].Type}
		lookup[d] = map[string]int{}
		for _, fr := range frames {
			fc := fr.Coords[d]
			if fc.Type != c.Type {
				return nil, fmt.Errorf("dimension %q has type %s and %s", name, c.Type, fc.Type)
			}
			for _, v := range fc.Values {
				k := labelKey(c.Type, v)
				if _, ok := lookup[d][k]; !ok {
					lookup[d][k] = len(c.Values)
					c.Values = append(c.Values, v)
				}
			}
		}
		out.Coords = append(out.Coords, c)
	}

	// union of variables in first-seen order
	size := out.Size()
	varIdx := map[string]int{}
	for _, fr := range frames {
		for _, v := range fr.Vars {
			if _, ok := varIdx[v.Name]; ok {
				continue
			}
			data := make([]float64, size)
			for i := range data {
				data[i] = math.NaN()
			}
			varIdx[v.Name] = len(out.Vars)
			out.Vars = append(out.Vars, Variable{Name: v.Name, Units: v.Units, Data: data})
		}
	}

	shape := out.Shape()
	for _, fr := range frames {
		// position of each source label in the combined axis
		maps := make([][]int, len(dims))
		for d := range dims {
			fc := fr.Coords[d]
			maps[d] = make([]int, fc.Len())
			for i, v := range fc.Values {
				maps[d][i] = lookup[d][labelKey(fc.Type, v)]
			}
		}

		srcShape := fr.Shape()
		idx := make([]int, len(dims))
		for flat := 0; flat < fr.Size(); flat++ {
			dst := 0
			for d := range dims {
				dst = dst*shape[d] + maps[d][idx[d]]
			}
			for _, v := range fr.Vars {
				out.Vars[varIdx[v.Name]].Data[dst] = v.Data[flat]
			}
			advance(idx, srcShape)
		}
	}
	return out, nil
}

// Concat is Combine restricted to frames that agree on every dimension
// except dim, which is checked before merging.
func Concat(frames []*Frame, dim string) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	d := frames[0].DimIndex(dim)
	if d < 0 {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	for _, fr := range frames[1:] {
		if err := sameDims(frames[0].Dims(), fr); err != nil {
			return nil, err
		}
		for i, c := range fr.Coords {
			if i == d {
				continue
			}
			if !sameLabels(frames[0].Coords[i], c) {
				return nil, fmt.Errorf("dimension %q differs between frames", c.Name)
			}
		}
	}
	return Combine(frames)
}

func sameDims(dims []string, fr *Frame) error {
	got := fr.Dims()
	if len(got) != len(dims) {
		return fmt.Errorf("dimension mismatch: %v vs %v", dims, got)
	}
	for i := range dims {
		if dims[i] != got[i] {
			return fmt.Errorf("dimension mismatch: %v vs %v", dims, got)
		}
	}
	return nil
}

func sameLabels(a, b Coord) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Values {
		if !types.Equal(a.Values[i], b.Values[i]) {
			return false
		}
	}
	return true
}

func mergeAttrs(frames []*Frame) map[string]string {
	out := map[string]string{}
	conflict := map[string]bool{}
	for _, fr := range frames {
		for k, v := range fr.Attrs {
			if prev, ok := out[k]; ok && prev != v {
				conflict[k] = true
			}
			out[k] = v
		}
	}
	for k := range conflict {
		delete(out, k)
	}
	return out
}

func labelKey(t types.ScalarType, v any) string {
	s, err := types.Format(t, v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return s
}

// advance steps a row-major multi-index.
func advance(idx, shape []int) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}
