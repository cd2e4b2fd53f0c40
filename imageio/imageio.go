// Package imageio converts images to model input tensors and model
// output logits to mask images.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
)

// ErrUnsupportedFormat is returned for an image file extension Read can not decode.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Read reads image from file. png, jpeg, gif and bmp are decoded by
// imaging, tiff by chai2010/tiff.
func Read(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp":
		return imaging.Open(filename)
	case ".tiff", ".tif":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// DecodeTiff decodes a tiff image.
func DecodeTiff(r io.Reader) (image.Image, error) {
	return tiff.Decode(r)
}

// Save writes img to file; format follows the file extension.
func Save(img image.Image, filename string) error {
	return imaging.Save(img, filename)
}

// Fit downscales img so that its longest side is at most maxSide.
// Images already small enough are returned as is.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if maxSide <= 0 || (b.Dx() <= maxSide && b.Dy() <= maxSide) {
		return img
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}

// ToTensor converts img to a float tensor of shape [1 3 H W] with values in [0, 1].
func ToTensor(img image.Image) *ts.Tensor {
	src := imaging.Clone(img) // *image.NRGBA with origin at (0, 0)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(x, y)
			i := y*w + x
			data[i] = float32(c.R) / 255
			data[plane+i] = float32(c.G) / 255
			data[2*plane+i] = float32(c.B) / 255
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{1, 3, int64(h), int64(w)}, true)
}

// MaskFromLogits converts logits of the first batch item ([B C H W]) to a
// gray mask. One channel logits are thresholded at sigmoid 0.5 (255 for
// positives); multi channel logits take the argmax class, spread over 0..255.
func MaskFromLogits(logit *ts.Tensor) (*image.Gray, error) {
	size, err := logit.Size()
	if err != nil {
		return nil, err
	}
	if len(size) != 4 {
		return nil, fmt.Errorf("expected logits [B C H W], got %v", size)
	}
	c, h, w := int(size[1]), int(size[2]), int(size[3])

	first := logit.MustSelect(0, 0, false)
	values := first.Float64Values()
	first.MustDrop()

	plane := h * w
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		var v uint8
		if c == 1 {
			// sigmoid(x) > 0.5 <=> x > 0
			if values[i] > 0 {
				v = 255
			}
		} else {
			best, bestVal := 0, math.Inf(-1)
			for k := 0; k < c; k++ {
				if values[k*plane+i] > bestVal {
					best, bestVal = k, values[k*plane+i]
				}
			}
			v = uint8(best * 255 / (c - 1))
		}
		mask.Pix[i] = v
	}

	return mask, nil
}

// ResizeMask resizes mask with nearest neighbor interpolation so labels stay intact.
func ResizeMask(mask image.Image, width, height int) image.Image {
	b := mask.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return mask
	}
	return resize.Resize(uint(width), uint(height), mask, resize.NearestNeighbor)
}

// Overlay draws mask over img in clr. Mask intensity scales the overlay
// alpha, up to opacity.
func Overlay(img image.Image, mask image.Image, clr color.Color, opacity uint8) *image.RGBA {
	b := img.Bounds()
	rec := image.Rect(0, 0, b.Dx(), b.Dy())
	dstImg := image.NewRGBA(rec)
	draw.Draw(dstImg, rec, img, b.Min, draw.Src)

	alpha := image.NewAlpha(rec)
	mb := mask.Bounds()
	for y := 0; y < rec.Dy() && y < mb.Dy(); y++ {
		for x := 0; x < rec.Dx() && x < mb.Dx(); x++ {
			g := color.GrayModel.Convert(mask.At(mb.Min.X+x, mb.Min.Y+y)).(color.Gray)
			alpha.SetAlpha(x, y, color.Alpha{A: uint8(int(g.Y) * int(opacity) / 255)})
		}
	}

	draw.DrawMask(dstImg, rec, image.NewUniform(clr), image.Point{}, alpha, image.Point{}, draw.Over)

	return dstImg
}
