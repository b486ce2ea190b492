package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/snappy"

	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/pkg/types"
)

const jszVersion = 1

// jszCodec stores a frame as a Snappy-compressed JSON document. Coordinate
// labels use their canonical textual form and variable data is packed
// float64, so encoding the same frame always yields the same bytes.
type jszCodec struct{}

type jszDocument struct {
	Version   int               `json:"version"`
	Coords    []jszCoord        `json:"coords"`
	Variables []jszVariable     `json:"variables"`
	Attrs     map[string]string `json:"attrs"`
}

type jszCoord struct {
	Name   string           `json:"name"`
	Type   types.ScalarType `json:"type"`
	Values []string         `json:"values"`
}

type jszVariable struct {
	Name  string `json:"name"`
	Units string `json:"units,omitempty"`
	Data  []byte `json:"data"`
}

func (jszCodec) Format() string { return FormatJSZ }

func (jszCodec) Encode(_ context.Context, f *grid.Frame, localPath string) error {
	data, err := marshalJSZ(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return fmt.Errorf("jsz: failed to write %s: %w", localPath, err)
	}
	return nil
}

func (jszCodec) Decode(_ context.Context, localPath string) (*grid.Frame, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("jsz: failed to read %s: %w", localPath, err)
	}
	return unmarshalJSZ(data)
}

func marshalJSZ(f *grid.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("jsz: %w", err)
	}
	doc := jszDocument{Version: jszVersion, Attrs: f.Attrs}
	if doc.Attrs == nil {
		doc.Attrs = map[string]string{}
	}
	for _, c := range f.Coords {
		jc := jszCoord{Name: c.Name, Type: c.Type, Values: make([]string, len(c.Values))}
		for i, v := range c.Values {
			s, err := types.Format(c.Type, v)
			if err != nil {
				return nil, fmt.Errorf("jsz: coordinate %q: %w", c.Name, err)
			}
			jc.Values[i] = s
		}
		doc.Coords = append(doc.Coords, jc)
	}
	for _, v := range f.Vars {
		doc.Variables = append(doc.Variables, jszVariable{Name: v.Name, Units: v.Units, Data: encodeFloats(v.Data)})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("jsz: failed to marshal frame: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func unmarshalJSZ(data []byte) (*grid.Frame, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("jsz: failed to decompress: %w", err)
	}
	var doc jszDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jsz: failed to unmarshal frame: %w", err)
	}
	if doc.Version != jszVersion {
		return nil, fmt.Errorf("jsz: unsupported document version %d", doc.Version)
	}

	coords := make([]grid.Coord, len(doc.Coords))
	for i, jc := range doc.Coords {
		vals := make([]any, len(jc.Values))
		for j, s := range jc.Values {
			vals[j] = s
		}
		coords[i] = grid.Coord{Name: jc.Name, Type: jc.Type, Values: vals}
	}
	f, err := grid.New(coords...)
	if err != nil {
		return nil, fmt.Errorf("jsz: %w", err)
	}
	for _, jv := range doc.Variables {
		values, err := decodeFloats(jv.Data)
		if err != nil {
			return nil, fmt.Errorf("jsz: variable %q: %w", jv.Name, err)
		}
		if err := f.AddVar(jv.Name, jv.Units, values); err != nil {
			return nil, fmt.Errorf("jsz: %w", err)
		}
	}
	for k, v := range doc.Attrs {
		f.Attrs[k] = v
	}
	return f, nil
}
