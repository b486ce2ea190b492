// Package grib reads GRIB edition 2 messages. Field metadata is parsed
// eagerly; values are unpacked on demand and only grid point data
// representation 5.0 (simple packing) is supported.
package grib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

// Fixed surface types (code table 4.5).
const (
	SurfaceGround            = 1
	SurfaceHeightAboveGround = 103
	SurfaceMissing           = 255
)

const (
	bitmapPresent             = 0
	bitmapPreviouslyDefined   = 254
	bitmapNone                = 255
	dataTemplateSimplePacking = 0
)

// Field is one decoded product of a GRIB2 message.
type Field struct {
	Discipline    uint8
	Centre        uint16
	ReferenceTime time.Time
	ValidTime     time.Time

	GridTemplate uint16
	NumPoints    int
	Ni, Nj       int

	ProductTemplate uint16
	Category        uint8
	Number          uint8
	SurfaceType     uint8
	SurfaceValue    float64

	dataTemplate uint16
	drs          []byte
	bitmap       []byte
	data         []byte
}

// Key identifies the physical parameter and level of a field.
type Key struct {
	Discipline   uint8
	Category     uint8
	Number       uint8
	SurfaceType  uint8
	SurfaceValue float64
}

// Key returns the parameter key of f.
func (f *Field) Key() Key {
	return Key{Discipline: f.Discipline, Category: f.Category, Number: f.Number, SurfaceType: f.SurfaceType, SurfaceValue: f.SurfaceValue}
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d@%d:%g", k.Discipline, k.Category, k.Number, k.SurfaceType, k.SurfaceValue)
}

// Decode reads every message from r and returns their fields in order.
func Decode(r io.Reader) ([]*Field, error) {
	var fields []*Field
	head := make([]byte, 16)
	for n := 0; ; n++ {
		if _, err := io.ReadFull(r, head); err != nil {
			if errors.Is(err, io.EOF) {
				return fields, nil
			}
			return nil, decodeError(fmt.Sprintf("message %d: truncated indicator section", n), err)
		}
		if !bytes.Equal(head[:4], []byte("GRIB")) {
			return nil, decodeError(fmt.Sprintf("message %d: missing GRIB marker", n), nil)
		}
		if head[7] != 2 {
			return nil, unsupported(fmt.Sprintf("message %d: GRIB edition %d", n, head[7]))
		}
		total := binary.BigEndian.Uint64(head[8:16])
		if total < 16+4 || total > math.MaxInt32 {
			return nil, decodeError(fmt.Sprintf("message %d: invalid length %d", n, total), nil)
		}
		msg := make([]byte, total)
		copy(msg, head)
		if _, err := io.ReadFull(r, msg[16:]); err != nil {
			return nil, decodeError(fmt.Sprintf("message %d: truncated", n), err)
		}
		mf, err := parseMessage(msg)
		if err != nil {
			return nil, err
		}
		fields = append(fields, mf...)
	}
}

func parseMessage(msg []byte) ([]*Field, error) {
	if !bytes.Equal(msg[len(msg)-4:], []byte("7777")) {
		return nil, decodeError("missing end section", nil)
	}

	var (
		fields []*Field
		cur    = Field{Discipline: msg[6]}
		bitmap []byte
	)
	pos := 16
	for pos < len(msg)-4 {
		if pos+5 > len(msg) {
			return nil, decodeError(fmt.Sprintf("truncated section header at offset %d", pos), nil)
		}
		size := int(binary.BigEndian.Uint32(msg[pos:]))
		num := msg[pos+4]
		if size < 5 || pos+size > len(msg)-4 {
			return nil, decodeError(fmt.Sprintf("section %d at offset %d has invalid length %d", num, pos, size), nil)
		}
		sec := msg[pos : pos+size]

		var err error
		switch num {
		case 1:
			err = cur.parseIdentification(sec)
		case 2:
			// local use
		case 3:
			err = cur.parseGrid(sec)
		case 4:
			err = cur.parseProduct(sec)
		case 5:
			err = cur.parseDataRepresentation(sec)
		case 6:
			if len(sec) < 6 {
				return nil, decodeError("short bitmap section", nil)
			}
			switch sec[5] {
			case bitmapPresent:
				bitmap = sec[6:]
			case bitmapNone:
				bitmap = nil
			case bitmapPreviouslyDefined:
				// keep the previous bitmap
			default:
				return nil, unsupported(fmt.Sprintf("predefined bitmap %d", sec[5]))
			}
		case 7:
			f := cur
			f.bitmap = bitmap
			f.data = sec[5:]
			fields = append(fields, &f)
		default:
			return nil, decodeError(fmt.Sprintf("unexpected section %d", num), nil)
		}
		if err != nil {
			return nil, err
		}
		pos += size
	}
	return fields, nil
}

// Section 1 octets 13-19 hold the reference time.
func (f *Field) parseIdentification(sec []byte) error {
	if len(sec) < 21 {
		return decodeError("short identification section", nil)
	}
	f.Centre = binary.BigEndian.Uint16(sec[5:7])
	f.ReferenceTime = readTime(sec[12:19])
	return nil
}

func (f *Field) parseGrid(sec []byte) error {
	if len(sec) < 14 {
		return decodeError("short grid definition section", nil)
	}
	f.NumPoints = int(binary.BigEndian.Uint32(sec[6:10]))
	f.GridTemplate = binary.BigEndian.Uint16(sec[12:14])
	f.Ni, f.Nj = 0, 0
	switch f.GridTemplate {
	case 0, 20, 30, 40:
		if len(sec) < 38 {
			return decodeError(fmt.Sprintf("short grid template 3.%d", f.GridTemplate), nil)
		}
		f.Ni = int(binary.BigEndian.Uint32(sec[30:34]))
		f.Nj = int(binary.BigEndian.Uint32(sec[34:38]))
		if f.Ni*f.Nj != f.NumPoints {
			return decodeError(fmt.Sprintf("grid %dx%d does not cover %d points", f.Ni, f.Nj, f.NumPoints), nil)
		}
	}
	return nil
}

func (f *Field) parseProduct(sec []byte) error {
	if len(sec) < 9 {
		return decodeError("short product definition section", nil)
	}
	f.ProductTemplate = binary.BigEndian.Uint16(sec[7:9])
	if f.ProductTemplate > 15 {
		return unsupported(fmt.Sprintf("product template 4.%d", f.ProductTemplate))
	}
	// templates 4.0 to 4.15 share octets 10-34
	if len(sec) < 34 {
		return decodeError(fmt.Sprintf("short product template 4.%d", f.ProductTemplate), nil)
	}
	f.Category = sec[9]
	f.Number = sec[10]
	f.SurfaceType = sec[22]
	f.SurfaceValue = scaled(sec[23], binary.BigEndian.Uint32(sec[24:28]))

	unit, err := timeUnit(sec[17])
	if err != nil {
		return err
	}
	f.ValidTime = f.ReferenceTime.Add(time.Duration(binary.BigEndian.Uint32(sec[18:22])) * unit)

	// statistically processed products carry the end of the interval
	switch f.ProductTemplate {
	case 8:
		if len(sec) < 41 {
			return decodeError("short product template 4.8", nil)
		}
		f.ValidTime = readTime(sec[34:41])
	case 11:
		if len(sec) < 44 {
			return decodeError("short product template 4.11", nil)
		}
		f.ValidTime = readTime(sec[37:44])
	}
	return nil
}

func (f *Field) parseDataRepresentation(sec []byte) error {
	if len(sec) < 11 {
		return decodeError("short data representation section", nil)
	}
	f.dataTemplate = binary.BigEndian.Uint16(sec[9:11])
	f.drs = sec
	return nil
}

// Values unpacks the field into row-major order (j outer, i inner). Points
// masked out by the bitmap are NaN.
func (f *Field) Values() ([]float64, error) {
	if f.dataTemplate != dataTemplateSimplePacking {
		return nil, unsupported(fmt.Sprintf("data representation template 5.%d", f.dataTemplate))
	}
	if len(f.drs) < 21 {
		return nil, decodeError("short simple packing template", nil)
	}
	ref := float64(math.Float32frombits(binary.BigEndian.Uint32(f.drs[11:15])))
	binScale := signMagnitude16(binary.BigEndian.Uint16(f.drs[15:17]))
	decScale := signMagnitude16(binary.BigEndian.Uint16(f.drs[17:19]))
	nbits := int(f.drs[19])

	present := f.NumPoints
	if f.bitmap != nil {
		if len(f.bitmap)*8 < f.NumPoints {
			return nil, decodeError("bitmap shorter than grid", nil)
		}
		present = 0
		for i := 0; i < f.NumPoints; i++ {
			if bit(f.bitmap, i) {
				present++
			}
		}
	}
	if nbits > 0 && len(f.data)*8 < present*nbits {
		return nil, decodeError(fmt.Sprintf("data section holds %d bytes, need %d values of %d bits", len(f.data), present, nbits), nil)
	}

	e := math.Pow(2, float64(binScale))
	d := math.Pow(10, float64(decScale))
	out := make([]float64, f.NumPoints)
	k := 0
	for i := range out {
		if f.bitmap != nil && !bit(f.bitmap, i) {
			out[i] = math.NaN()
			continue
		}
		var x uint64
		if nbits > 0 {
			x = readBits(f.data, k*nbits, nbits)
		}
		out[i] = (ref + float64(x)*e) / d
		k++
	}
	return out, nil
}

func timeUnit(code uint8) (time.Duration, error) {
	switch code {
	case 0:
		return time.Minute, nil
	case 1:
		return time.Hour, nil
	case 2:
		return 24 * time.Hour, nil
	case 10:
		return 3 * time.Hour, nil
	case 11:
		return 6 * time.Hour, nil
	case 12:
		return 12 * time.Hour, nil
	case 13:
		return time.Second, nil
	}
	return 0, unsupported(fmt.Sprintf("time range unit %d", code))
}

func readTime(b []byte) time.Time {
	return time.Date(int(binary.BigEndian.Uint16(b[0:2])), time.Month(b[2]), int(b[3]),
		int(b[4]), int(b[5]), int(b[6]), 0, time.UTC)
}

// scaled applies a sign-magnitude decimal scale factor to a scaled value.
func scaled(factor uint8, value uint32) float64 {
	if factor == 0xff && value == 0xffffffff {
		return math.NaN()
	}
	s := int(factor & 0x7f)
	if factor&0x80 != 0 {
		s = -s
	}
	return float64(value) / math.Pow(10, float64(s))
}

func signMagnitude16(v uint16) int {
	n := int(v & 0x7fff)
	if v&0x8000 != 0 {
		return -n
	}
	return n
}

func bit(b []byte, i int) bool {
	return b[i/8]&(0x80>>(i%8)) != 0
}

// readBits reads n bits starting at bit offset off, most significant first.
func readBits(b []byte, off, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		p := off + i
		v <<= 1
		if b[p/8]&(0x80>>(p%8)) != 0 {
			v |= 1
		}
	}
	return v
}

func decodeError(msg string, cause error) error {
	return nerrors.NewDecodeError(nerrors.CodeDecodeFailed, "grib: "+msg, cause)
}

func unsupported(msg string) error {
	return nerrors.NewDecodeError(nerrors.CodeUnsupported, "grib: unsupported "+msg, nil)
}
