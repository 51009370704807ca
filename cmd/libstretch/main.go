// Command libstretch exports the stretch passes with C linkage. Build it with
//
//	go build -buildmode=c-shared -o libstretch.so ./cmd/libstretch
//
// Each export takes raw buffers and returns nothing. A null buffer or a non-positive size is a
// no-op; every other parameter is passed through unchecked. The exports live in exports.go and
// only convert C types; the parameter mapping below is plain Go.
package main

import "github.com/dunamismax/fitsflow/internal/stretch"

func main() {}

func scaleBytes(buf []byte, size int, offset, scale float32, black, white, minValue, maxValue uint8, deviceRange uint16) error {
	return stretch.ScaleBytePixelData(buf, size, stretch.ByteParams{
		Offset:      offset,
		Scale:       scale,
		Black:       black,
		White:       white,
		Min:         minValue,
		Max:         maxValue,
		DeviceRange: deviceRange,
	})
}

func scaleShorts(src []int16, dst []uint16, size int, offset, scale float32, black, white int32, minValue, maxValue, deviceRange uint16) error {
	return stretch.ScaleShortIntPixelDataToUShort(src, dst, size, stretch.ShortParams{
		Offset:      offset,
		Scale:       scale,
		Black:       black,
		White:       white,
		Min:         minValue,
		Max:         maxValue,
		DeviceRange: deviceRange,
	})
}

func scaleInts(src []int32, dst []uint16, size int, black, white int32, minValue, maxValue, deviceRange uint16, bitsPerPixel int32) error {
	return stretch.ScaleIntPixelDataToUShort(src, dst, size, stretch.IntParams{
		Black:        black,
		White:        white,
		Min:          minValue,
		Max:          maxValue,
		DeviceRange:  deviceRange,
		BitsPerPixel: stretch.BitPix(bitsPerPixel),
	})
}
