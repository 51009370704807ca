// Package stretch implements the scale/offset and linear contrast stretch passes that turn raw
// FITS samples into display-depth pixels.
//
// Every pass is a single sequential loop over caller-owned buffers. Nothing is allocated,
// nothing is retained after return, and numeric parameters are never validated: a black point
// at or above the white point produces meaningless pixels, not an error. The one checked
// failure is a declared size larger than a buffer, reported as ErrShortBuffer before any
// element is written.
//
// Narrowing steps wrap modulo the target width on purpose. A saturated 32-bit integer sample is
// the only case that is clamped instead, see IntToUShortOverflowThreshold. Float samples reach
// ScaleIntPixelDataToUShort as raw bit patterns and are narrowed without any guard; the float
// bounds below are kept unexported so the missing guard stays visible in tests.
package stretch

import (
	"errors"
	"fmt"
)

const (
	// IntToUShortOverflowThreshold is the largest 32-bit integer sample narrowed as-is. Integer
	// samples above it are forced to the target maximum so a saturated pixel does not wrap
	// to black.
	IntToUShortOverflowThreshold = 16777215

	// The float path never consults these.
	floatToUShortOverflowThreshold  = 16556319
	floatToUShortUnderflowThreshold = 0
)

// BitPix is the FITS BITPIX value describing a raw sample encoding.
type BitPix int

const (
	BitPixByte    BitPix = 8
	BitPixInt16   BitPix = 16
	BitPixInt32   BitPix = 32
	BitPixFloat32 BitPix = -32
	BitPixFloat64 BitPix = -64
)

func (b BitPix) String() string {
	switch b {
	case BitPixByte:
		return "uint8"
	case BitPixInt16:
		return "int16"
	case BitPixInt32:
		return "int32"
	case BitPixFloat32:
		return "float32"
	case BitPixFloat64:
		return "float64"
	default:
		return fmt.Sprintf("bitpix(%d)", int(b))
	}
}

var ErrShortBuffer = errors.New("buffer shorter than declared size")

// ByteParams configures ScaleBytePixelData. Black and White are in source units.
type ByteParams struct {
	Offset      float32
	Scale       float32
	Black       uint8
	White       uint8
	Min         uint8
	Max         uint8
	DeviceRange uint16
}

// ShortParams configures ScaleShortIntPixelDataToUShort. Offset usually carries BZERO so that
// the wrapped signed result reinterprets to the true unsigned sample.
type ShortParams struct {
	Offset      float32
	Scale       float32
	Black       int32
	White       int32
	Min         uint16
	Max         uint16
	DeviceRange uint16
}

// IntParams configures ScaleIntPixelDataToUShort.
type IntParams struct {
	Black        int32
	White        int32
	Min          uint16
	Max          uint16
	DeviceRange  uint16
	BitsPerPixel BitPix
}

// ScaleBytePixelData scales, offsets and stretches the first size samples of buf in place.
func ScaleBytePixelData(buf []byte, size int, p ByteParams) error {
	if err := checkSize("buffer", len(buf), size); err != nil {
		return err
	}

	scaled := !isIdentity(p.Offset, p.Scale)
	black, white := int(p.Black), int(p.White)
	span := float64(white - black)
	device := float64(p.DeviceRange)

	for i := 0; i < size; i++ {
		v := buf[i]
		if scaled {
			v = truncUint8(scaleOffset(p.Offset, p.Scale, float32(v)))
		}

		switch {
		case int(v) <= black:
			buf[i] = p.Min
		case int(v) >= white:
			buf[i] = p.Max
		default:
			buf[i] = truncUint8(float64(int(v)-black) / span * device)
		}
	}
	return nil
}

// ScaleShortIntPixelDataToUShort converts the first size signed samples of src into stretched
// unsigned samples in dst. src is not modified.
func ScaleShortIntPixelDataToUShort(src []int16, dst []uint16, size int, p ShortParams) error {
	if err := checkSize("source", len(src), size); err != nil {
		return err
	}
	if err := checkSize("destination", len(dst), size); err != nil {
		return err
	}

	scaled := !isIdentity(p.Offset, p.Scale)
	black, white := int(p.Black), int(p.White)
	span := float64(white - black)
	device := float64(p.DeviceRange)

	for i := 0; i < size; i++ {
		s := src[i]
		if scaled {
			s = truncInt16(scaleOffset(p.Offset, p.Scale, float32(s)))
		}
		dst[i] = stretch16(reinterpretUint16(s), black, white, span, device, p.Min, p.Max)
	}
	return nil
}

// ScaleIntPixelDataToUShort narrows the first size 32-bit samples of src to 16 bits and
// stretches them into dst. With BitPixInt32 samples above IntToUShortOverflowThreshold become
// p.Max before narrowing. Any other BitsPerPixel, BitPixFloat32 included, narrows the raw word
// directly. src is not modified.
func ScaleIntPixelDataToUShort(src []int32, dst []uint16, size int, p IntParams) error {
	if err := checkSize("source", len(src), size); err != nil {
		return err
	}
	if err := checkSize("destination", len(dst), size); err != nil {
		return err
	}

	guarded := p.BitsPerPixel == BitPixInt32
	black, white := int(p.Black), int(p.White)
	span := float64(white - black)
	device := float64(p.DeviceRange)

	for i := 0; i < size; i++ {
		w := src[i]
		if guarded && w > IntToUShortOverflowThreshold {
			w = int32(p.Max)
		}
		dst[i] = stretch16(narrowUint16(w), black, white, span, device, p.Min, p.Max)
	}
	return nil
}

func stretch16(v uint16, black, white int, span, device float64, min, max uint16) uint16 {
	switch {
	case int(v) <= black:
		return min
	case int(v) >= white:
		return max
	default:
		return truncUint16(float64(int(v)-black) / span * device)
	}
}

func checkSize(name string, n, size int) error {
	if size > n {
		return fmt.Errorf("%w: %s has %d elements, size is %d", ErrShortBuffer, name, n, size)
	}
	return nil
}

func isIdentity(offset, scale float32) bool {
	return offset == 0 && scale == 1
}

// The explicit float32 conversion keeps the product rounded before the add so no
// architecture fuses it into an FMA.
func scaleOffset(offset, scale, v float32) float32 {
	return offset + float32(scale*v)
}
