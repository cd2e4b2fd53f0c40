package imageio

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
)

// ErrInvalidRLE is returned for a run-length encoding that does not fit the mask.
var ErrInvalidRLE = errors.New("invalid run-length encoding")

// EncodeRLE returns run-length encoding of non zero mask pixels as
// (start, length) pairs. Pixels are numbered from 1, top to bottom then
// left to right.
func EncodeRLE(mask *image.Gray) []int {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()

	var (
		rle   []int
		start int
		run   int
	)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			i := x*h + y + 1
			if mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y != 0 {
				if run == 0 {
					start = i
				}
				run++
				continue
			}
			if run > 0 {
				rle = append(rle, start, run)
				run = 0
			}
		}
	}
	if run > 0 {
		rle = append(rle, start, run)
	}
	return rle
}

// DecodeRLE converts run-length encoding to a width x height mask with
// 255 for encoded pixels.
func DecodeRLE(rle []int, width, height int) (*image.Gray, error) {
	if len(rle)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of values (%d)", ErrInvalidRLE, len(rle))
	}

	n := width * height
	mask := image.NewGray(image.Rect(0, 0, width, height))
	for i := 0; i < len(rle); i += 2 {
		start, length := rle[i], rle[i+1]
		if start < 1 || length < 0 || start-1+length > n {
			return nil, fmt.Errorf("%w: run %d %d out of %dx%d mask", ErrInvalidRLE, start, length, width, height)
		}
		for j := start - 1; j < start-1+length; j++ {
			x, y := j/height, j%height
			mask.Pix[y*mask.Stride+x] = 255
		}
	}
	return mask, nil
}

// FormatRLE joins run-length encoding with spaces.
func FormatRLE(rle []int) string {
	s := make([]string, len(rle))
	for i, v := range rle {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, " ")
}

// ParseRLE parses space separated run-length encoding.
func ParseRLE(s string) ([]int, error) {
	fields := strings.Fields(s)
	rle := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRLE, err)
		}
		rle = append(rle, v)
	}
	return rle, nil
}

// ReadRLE reads CSV with `id` and `encoding` columns and returns map of
// id to run-length encoding.
func ReadRLE(r io.Reader) (map[string][]int, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DetectTypes(false))
	if df.Err != nil {
		return nil, df.Err
	}

	ids := df.Col("id")
	encodings := df.Col("encoding")
	if ids.Err != nil {
		return nil, ids.Err
	}
	if encodings.Err != nil {
		return nil, encodings.Err
	}

	out := make(map[string][]int, ids.Len())
	for i, id := range ids.Records() {
		elem := encodings.Elem(i)
		if elem.IsNA() {
			out[id] = nil
			continue
		}
		rle, err := ParseRLE(elem.String())
		if err != nil {
			return nil, fmt.Errorf("id %q: %w", id, err)
		}
		out[id] = rle
	}
	return out, nil
}

// WriteRLE writes CSV with `id` and `encoding` columns, in order of ids.
func WriteRLE(w io.Writer, ids []string, rles map[string][]int) error {
	records := [][]string{{"id", "encoding"}}
	for _, id := range ids {
		records = append(records, []string{id, FormatRLE(rles[id])})
	}
	df := dataframe.LoadRecords(records, dataframe.DetectTypes(false))
	if df.Err != nil {
		return df.Err
	}
	return df.WriteCSV(w)
}
