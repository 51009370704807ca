package stretch

// Narrowing helpers. Floats truncate toward zero to an int64 first, then the integer result is
// reduced modulo the target width. Values outside the int64 range (and NaN) have no meaningful
// result; Go defines the conversion as implementation-specific but never panics.

func truncUint8[F float32 | float64](x F) uint8 {
	return uint8(int64(x) & 0xff)
}

func truncInt16[F float32 | float64](x F) int16 {
	return int16(uint16(int64(x) & 0xffff))
}

func truncUint16[F float32 | float64](x F) uint16 {
	return uint16(int64(x) & 0xffff)
}

// reinterpretUint16 keeps the bit pattern of s. -32768 becomes 0x8000, -1 becomes 0xffff.
func reinterpretUint16(s int16) uint16 {
	return uint16(s)
}

// narrowUint16 keeps the low 16 bits of w.
func narrowUint16(w int32) uint16 {
	return uint16(uint32(w) & 0xffff)
}
