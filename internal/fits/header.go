package fits

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/fitsflow/internal/stretch"
)

const (
	BlockSize = 2880
	CardSize  = 80
)

var (
	ErrNotFITS           = errors.New("not a FITS file")
	ErrMissingKeyword    = errors.New("missing required header keyword")
	ErrInvalidAxis       = errors.New("invalid image axes")
	ErrUnsupportedBitPix = errors.New("unsupported BITPIX")
	ErrTruncatedData     = errors.New("truncated FITS data")
	ErrStretchRange      = errors.New("stretch range out of bounds")
)

type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header holds the primary HDU keywords that drive decoding and stretching. Optional keywords
// keep their defaults when absent or unparsable.
type Header struct {
	BitPix     stretch.BitPix
	NAxis      int
	NAxis1     int
	NAxis2     int
	NAxis3     int
	BZero      float32
	BScale     float32
	CBlack     int
	CWhite     int
	Cards      []Card
	DataOffset int
}

func (h Header) Width() int  { return h.NAxis1 }
func (h Header) Height() int { return h.NAxis2 }
func (h Header) Pixels() int { return h.NAxis1 * h.NAxis2 }
func (h Header) IsRGB() bool { return h.NAxis3 == 3 }

func (h Header) Card(key string) (Card, bool) {
	for _, c := range h.Cards {
		if c.Key == key {
			return c, true
		}
	}
	return Card{}, false
}

// StretchRange returns the legal black/white bounds for samples of the given encoding.
func StretchRange(bitpix stretch.BitPix) (int, int, error) {
	switch bitpix {
	case stretch.BitPixByte:
		return 0, math.MaxUint8, nil
	case stretch.BitPixInt16, stretch.BitPixInt32, stretch.BitPixFloat32:
		return 0, math.MaxUint16, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedBitPix, bitpix)
	}
}

// CheckStretch validates black and white points against the range of bitpix.
func CheckStretch(bitpix stretch.BitPix, black, white int) error {
	lo, hi, err := StretchRange(bitpix)
	if err != nil {
		return err
	}
	if black < lo || black > hi || white < lo || white > hi {
		return fmt.Errorf("%w: black=%d white=%d allowed=[%d,%d]", ErrStretchRange, black, white, lo, hi)
	}
	return nil
}

// ParseHeader reads 80-byte cards up to END and resolves the key values. DataOffset is the
// start of the first data block.
func ParseHeader(data []byte) (Header, error) {
	h := Header{BScale: 1}

	end := -1
	for off := 0; off+CardSize <= len(data); off += CardSize {
		raw := data[off : off+CardSize]
		if off == 0 && !bytes.HasPrefix(raw, []byte("SIMPLE")) {
			return Header{}, ErrNotFITS
		}
		card := parseCard(raw)
		if card.Key == "END" {
			end = off + CardSize
			break
		}
		h.Cards = append(h.Cards, card)
	}
	if end < 0 {
		if len(data) < CardSize {
			return Header{}, ErrNotFITS
		}
		return Header{}, fmt.Errorf("%w: header has no END card", ErrTruncatedData)
	}
	h.DataOffset = (end + BlockSize - 1) / BlockSize * BlockSize

	bitpix, ok := h.intValue("BITPIX")
	if !ok {
		return Header{}, fmt.Errorf("%w: BITPIX", ErrMissingKeyword)
	}
	h.BitPix = stretch.BitPix(bitpix)

	for key, dst := range map[string]*int{"NAXIS": &h.NAxis, "NAXIS1": &h.NAxis1, "NAXIS2": &h.NAxis2} {
		v, ok := h.intValue(key)
		if !ok {
			return Header{}, fmt.Errorf("%w: %s", ErrMissingKeyword, key)
		}
		*dst = v
	}

	if h.NAxis < 2 || h.NAxis1 <= 0 || h.NAxis2 <= 0 {
		return Header{}, fmt.Errorf("%w: NAXIS=%d NAXIS1=%d NAXIS2=%d", ErrInvalidAxis, h.NAxis, h.NAxis1, h.NAxis2)
	}
	if h.NAxis1 > math.MaxInt/h.NAxis2 {
		return Header{}, fmt.Errorf("%w: NAXIS1=%d NAXIS2=%d overflows", ErrInvalidAxis, h.NAxis1, h.NAxis2)
	}
	if v, ok := h.intValue("NAXIS3"); ok {
		if v != 1 && v != 3 {
			return Header{}, fmt.Errorf("%w: NAXIS3=%d", ErrInvalidAxis, v)
		}
		h.NAxis3 = v
	}

	if v, ok := h.floatValue("BSCALE"); ok {
		h.BScale = v
	}
	if v, ok := h.floatValue("BZERO"); ok {
		h.BZero = v
	}

	h.CWhite = math.MaxUint16
	if h.BitPix == stretch.BitPixByte {
		h.CWhite = math.MaxUint8
	}
	if v, ok := h.intValue("CBLACK"); ok {
		h.CBlack = v
	}
	if v, ok := h.intValue("CWHITE"); ok {
		h.CWhite = v
	}

	return h, nil
}

func (h Header) intValue(key string) (int, bool) {
	c, ok := h.Card(key)
	if !ok || c.Value == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(c.Value); err == nil {
		return v, true
	}
	f, err := parseFloat(c.Value)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

func (h Header) floatValue(key string) (float32, bool) {
	c, ok := h.Card(key)
	if !ok || c.Value == "" {
		return 0, false
	}
	f, err := parseFloat(c.Value)
	if err != nil {
		return 0, false
	}
	return float32(f), true
}

// FITS writes double precision exponents with D.
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(s), 64)
}

func parseCard(raw []byte) Card {
	line := string(raw)
	key := strings.TrimSpace(line[:8])

	if len(line) < 10 || line[8:10] != "= " {
		return Card{Key: key, Comment: strings.TrimSpace(line[8:])}
	}

	rest := line[10:]
	value, comment := splitValue(rest)
	return Card{Key: key, Value: value, Comment: comment}
}

// splitValue separates the value from its "/ comment". Slashes inside quoted strings belong
// to the value.
func splitValue(s string) (string, string) {
	trimmed := strings.TrimLeft(s, " ")
	if strings.HasPrefix(trimmed, "'") {
		var b strings.Builder
		for i := 1; i < len(trimmed); i++ {
			if trimmed[i] != '\'' {
				b.WriteByte(trimmed[i])
				continue
			}
			if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
				b.WriteByte('\'')
				i++
				continue
			}
			_, comment := splitComment(trimmed[i+1:])
			return strings.TrimRight(b.String(), " "), comment
		}
		return strings.TrimRight(b.String(), " "), ""
	}
	return splitComment(trimmed)
}

func splitComment(s string) (string, string) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:])
}
