package grib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Product is one field to encode.
type Product struct {
	Discipline    uint8
	Category      uint8
	Number        uint8
	SurfaceType   uint8
	SurfaceValue  uint32
	ReferenceTime time.Time
	ValidTime     time.Time
	// Accumulated marks a product accumulated since ReferenceTime; it is
	// written with template 4.8 and the interval end as ValidTime.
	Accumulated bool
	Ni, Nj      int
	// DecimalScale is the power of ten values are multiplied by before
	// packing. Values are exact after decoding when v*10^DecimalScale is an
	// integer.
	DecimalScale int
	// Values are row-major; NaN marks missing points.
	Values []float64
}

// Encode writes one GRIB2 message per product on a regular lat/lon grid
// (template 3.0) using simple packing with 16 bits per value.
func Encode(w io.Writer, products ...Product) error {
	for i, p := range products {
		msg, err := encodeMessage(p)
		if err != nil {
			return fmt.Errorf("grib: product %d: %w", i, err)
		}
		if _, err := w.Write(msg); err != nil {
			return err
		}
	}
	return nil
}

func encodeMessage(p Product) ([]byte, error) {
	if p.Ni*p.Nj != len(p.Values) {
		return nil, fmt.Errorf("grid %dx%d does not match %d values", p.Ni, p.Nj, len(p.Values))
	}
	if p.ValidTime.Before(p.ReferenceTime) {
		return nil, fmt.Errorf("valid time %s before reference time %s", p.ValidTime, p.ReferenceTime)
	}

	var body bytes.Buffer

	// section 1: identification
	s1 := make([]byte, 21)
	binary.BigEndian.PutUint16(s1[5:7], 94) // Copenhagen
	s1[9] = 2
	s1[11] = 1 // start of forecast
	putTime(s1[12:19], p.ReferenceTime)
	writeSection(&body, 1, s1)

	// section 3: regular lat/lon grid
	s3 := make([]byte, 72)
	binary.BigEndian.PutUint32(s3[6:10], uint32(len(p.Values)))
	binary.BigEndian.PutUint16(s3[12:14], 0)
	s3[14] = 6
	binary.BigEndian.PutUint32(s3[30:34], uint32(p.Ni))
	binary.BigEndian.PutUint32(s3[34:38], uint32(p.Nj))
	writeSection(&body, 3, s3)

	// section 4: product definition
	size, template := 34, uint16(0)
	if p.Accumulated {
		size, template = 58, 8
	}
	s4 := make([]byte, size)
	binary.BigEndian.PutUint16(s4[7:9], template)
	s4[9] = p.Category
	s4[10] = p.Number
	s4[11] = 2 // forecast
	s4[17] = 1 // hours
	s4[22] = p.SurfaceType
	binary.BigEndian.PutUint32(s4[24:28], p.SurfaceValue)
	s4[28] = SurfaceMissing
	s4[29] = 0xff
	binary.BigEndian.PutUint32(s4[30:34], 0xffffffff)
	if p.Accumulated {
		putTime(s4[34:41], p.ValidTime)
		s4[41] = 1 // one time range
		s4[46] = 1 // accumulation
		s4[47] = 2
		s4[48] = 1
		binary.BigEndian.PutUint32(s4[49:53], uint32(p.ValidTime.Sub(p.ReferenceTime)/time.Hour))
		s4[53] = 1
	} else {
		binary.BigEndian.PutUint32(s4[18:22], uint32(p.ValidTime.Sub(p.ReferenceTime)/time.Hour))
	}
	writeSection(&body, 4, s4)

	ref, binScale, nbits, packed, bitmap := pack(p.Values, p.DecimalScale)
	present := 0
	for _, v := range p.Values {
		if !math.IsNaN(v) {
			present++
		}
	}

	// section 5: simple packing
	s5 := make([]byte, 21)
	binary.BigEndian.PutUint32(s5[5:9], uint32(present))
	binary.BigEndian.PutUint32(s5[11:15], math.Float32bits(ref))
	binary.BigEndian.PutUint16(s5[15:17], toSignMagnitude16(binScale))
	binary.BigEndian.PutUint16(s5[17:19], toSignMagnitude16(p.DecimalScale))
	s5[19] = uint8(nbits)
	writeSection(&body, 5, s5)

	// section 6: bitmap
	if bitmap == nil {
		writeSection(&body, 6, []byte{0, 0, 0, 0, 0, bitmapNone})
	} else {
		writeSection(&body, 6, append([]byte{0, 0, 0, 0, 0, bitmapPresent}, bitmap...))
	}

	// section 7: data
	writeSection(&body, 7, append(make([]byte, 5), packed...))

	total := 16 + body.Len() + 4
	msg := make([]byte, 16, total)
	copy(msg, "GRIB")
	msg[6] = p.Discipline
	msg[7] = 2
	binary.BigEndian.PutUint64(msg[8:16], uint64(total))
	msg = append(msg, body.Bytes()...)
	msg = append(msg, "7777"...)
	return msg, nil
}

// pack scales values to integers, chooses the smallest binary scale that
// fits 16 bits and packs them most significant bit first.
func pack(values []float64, decScale int) (float32, int, int, []byte, []byte) {
	d := math.Pow(10, float64(decScale))
	var (
		scaledVals []float64
		bitmap     []byte
		lo, hi     = math.Inf(1), math.Inf(-1)
	)
	for i, v := range values {
		if math.IsNaN(v) {
			if bitmap == nil {
				bitmap = make([]byte, (len(values)+7)/8)
				for j := 0; j < i; j++ {
					bitmap[j/8] |= 0x80 >> (j % 8)
				}
			}
			continue
		}
		if bitmap != nil {
			bitmap[i/8] |= 0x80 >> (i % 8)
		}
		s := math.Round(v * d)
		scaledVals = append(scaledVals, s)
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if len(scaledVals) == 0 {
		return 0, 0, 0, nil, bitmap
	}
	if hi == lo {
		return float32(lo), 0, 0, nil, bitmap
	}

	const nbits = 16
	binScale := 0
	for (hi-lo)/math.Pow(2, float64(binScale)) > math.MaxUint16 {
		binScale++
	}
	e := math.Pow(2, float64(binScale))

	packed := make([]byte, (len(scaledVals)*nbits+7)/8)
	for k, s := range scaledVals {
		x := uint64(math.Round((s - lo) / e))
		for b := 0; b < nbits; b++ {
			if x&(1<<(nbits-1-b)) != 0 {
				p := k*nbits + b
				packed[p/8] |= 0x80 >> (p % 8)
			}
		}
	}
	return float32(lo), binScale, nbits, packed, bitmap
}

func writeSection(buf *bytes.Buffer, num uint8, sec []byte) {
	binary.BigEndian.PutUint32(sec[0:4], uint32(len(sec)))
	sec[4] = num
	buf.Write(sec)
}

func putTime(b []byte, t time.Time) {
	t = t.UTC()
	binary.BigEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = uint8(t.Month())
	b[3] = uint8(t.Day())
	b[4] = uint8(t.Hour())
	b[5] = uint8(t.Minute())
	b[6] = uint8(t.Second())
}

func toSignMagnitude16(n int) uint16 {
	if n < 0 {
		return 0x8000 | uint16(-n)
	}
	return uint16(n)
}
