//go:build cgo

package main

/*
#include <stdint.h>
*/
import "C"

import "unsafe"

// The slices below are built with exactly imageBufferSize elements, so the engine's only error,
// a size larger than a buffer, cannot occur. A failure still leaves the buffers untouched,
// which matches the no-op contract.

//export ScaleBytePixelData
func ScaleBytePixelData(
	imageBuffer *C.uchar,
	imageBufferSize C.int,
	offset, scale C.float,
	black, white, minValue, maxValue C.uchar,
	deviceRange C.ushort,
) {
	n := int(imageBufferSize)
	if imageBuffer == nil || n <= 0 {
		return
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(imageBuffer)), n)
	if err := scaleBytes(buf, n, float32(offset), float32(scale),
		uint8(black), uint8(white), uint8(minValue), uint8(maxValue), uint16(deviceRange)); err != nil {
		return
	}
}

//export ScaleShortIntPixelDataToUShort
func ScaleShortIntPixelDataToUShort(
	imageBuffer *C.short,
	imageBufferDestination *C.ushort,
	imageBufferSize C.int,
	offset, scale C.float,
	black, white C.int,
	minValue, maxValue, deviceRange C.ushort,
) {
	n := int(imageBufferSize)
	if imageBuffer == nil || imageBufferDestination == nil || n <= 0 {
		return
	}
	src := unsafe.Slice((*int16)(unsafe.Pointer(imageBuffer)), n)
	dst := unsafe.Slice((*uint16)(unsafe.Pointer(imageBufferDestination)), n)
	if err := scaleShorts(src, dst, n, float32(offset), float32(scale),
		int32(black), int32(white), uint16(minValue), uint16(maxValue), uint16(deviceRange)); err != nil {
		return
	}
}

//export ScaleIntPixelDataToUShort
func ScaleIntPixelDataToUShort(
	imageBuffer *C.int,
	imageBufferDestination *C.ushort,
	imageBufferSize C.int,
	black, white C.int,
	minValue, maxValue, deviceRange C.ushort,
	bitsPerPixel C.int,
) {
	n := int(imageBufferSize)
	if imageBuffer == nil || imageBufferDestination == nil || n <= 0 {
		return
	}
	src := unsafe.Slice((*int32)(unsafe.Pointer(imageBuffer)), n)
	dst := unsafe.Slice((*uint16)(unsafe.Pointer(imageBufferDestination)), n)
	if err := scaleInts(src, dst, n, int32(black), int32(white),
		uint16(minValue), uint16(maxValue), uint16(deviceRange), int32(bitsPerPixel)); err != nil {
		return
	}
}
