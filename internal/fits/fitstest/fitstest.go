// Package fitstest builds small in-memory FITS files for tests.
package fitstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// File describes a primary HDU. Samples must be []byte, []int16, []int32 or []float32 and hold
// Width*Height values. Extra cards are written verbatim as KEY = value.
type File struct {
	BitPix  int
	Width   int
	Height  int
	Samples any
	Extra   [][2]string
}

func (f File) Bytes() []byte {
	var hdr bytes.Buffer
	card(&hdr, "SIMPLE", "T")
	card(&hdr, "BITPIX", fmt.Sprint(f.BitPix))
	card(&hdr, "NAXIS", "2")
	card(&hdr, "NAXIS1", fmt.Sprint(f.Width))
	card(&hdr, "NAXIS2", fmt.Sprint(f.Height))
	for _, kv := range f.Extra {
		card(&hdr, kv[0], kv[1])
	}
	hdr.WriteString(pad("END", 80))
	padBlock(&hdr, ' ')

	var data bytes.Buffer
	switch s := f.Samples.(type) {
	case []byte:
		data.Write(s)
	case []int16, []int32, []float32:
		_ = binary.Write(&data, binary.BigEndian, s)
	}
	padBlock(&data, 0)

	return append(hdr.Bytes(), data.Bytes()...)
}

func card(b *bytes.Buffer, key, value string) {
	b.WriteString(pad(fmt.Sprintf("%-8s= %20s", key, value), 80))
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func padBlock(b *bytes.Buffer, fill byte) {
	for b.Len()%2880 != 0 {
		b.WriteByte(fill)
	}
}
