package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pvforecast/nwplake/internal/grid"
)

// Partition file formats.
const (
	FormatJSZ    = "jsz"
	FormatSQLite = "sqlite"
)

// Codec serialises one partition frame to a local file and back. The file
// extension of a partition is the codec's format name.
type Codec interface {
	Format() string
	Encode(ctx context.Context, f *grid.Frame, localPath string) error
	Decode(ctx context.Context, localPath string) (*grid.Frame, error)
}

// CodecFor returns the codec registered for format. The empty string
// selects jsz, the format of datasets written before formats existed.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", FormatJSZ:
		return jszCodec{}, nil
	case FormatSQLite:
		return sqliteCodec{}, nil
	}
	return nil, fmt.Errorf("unknown partition format %q", format)
}

// Formats lists the supported partition formats.
func Formats() []string {
	return []string{FormatJSZ, FormatSQLite}
}

// encodeFloats packs values as little-endian IEEE 754, NaN payloads included.
func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("float buffer length %d is not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}
