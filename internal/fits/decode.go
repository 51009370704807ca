package fits

import (
	"encoding/binary"
	"fmt"

	"github.com/dunamismax/fitsflow/internal/stretch"
)

// Image is a decoded primary HDU. Exactly one sample slice is populated, selected by
// Header.BitPix: Bytes for 8, Int16 for 16, Words for 32 and -32. Float samples stay as their
// raw bit patterns.
type Image struct {
	Header Header
	Bytes  []byte
	Int16  []int16
	Words  []int32
}

func (img *Image) Width() int  { return img.Header.Width() }
func (img *Image) Height() int { return img.Header.Height() }

// Decode parses the header and the first image plane of a FITS file held in memory. The
// returned sample slices do not alias data.
func Decode(data []byte) (*Image, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	var bytesPerSample int
	switch h.BitPix {
	case stretch.BitPixByte:
		bytesPerSample = 1
	case stretch.BitPixInt16:
		bytesPerSample = 2
	case stretch.BitPixInt32, stretch.BitPixFloat32:
		bytesPerSample = 4
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitPix, int(h.BitPix))
	}

	n := h.Pixels()
	if h.DataOffset > len(data) {
		return nil, fmt.Errorf("%w: no data unit", ErrTruncatedData)
	}
	raw := data[h.DataOffset:]
	if n > len(raw)/bytesPerSample {
		return nil, fmt.Errorf("%w: need %d samples of %d bytes, have %d bytes", ErrTruncatedData, n, bytesPerSample, len(raw))
	}

	img := &Image{Header: h}
	switch bytesPerSample {
	case 1:
		img.Bytes = make([]byte, n)
		copy(img.Bytes, raw[:n])
	case 2:
		img.Int16 = make([]int16, n)
		for i := range img.Int16 {
			img.Int16[i] = int16(binary.BigEndian.Uint16(raw[2*i:]))
		}
	case 4:
		img.Words = make([]int32, n)
		for i := range img.Words {
			img.Words[i] = int32(binary.BigEndian.Uint32(raw[4*i:]))
		}
	}
	return img, nil
}
