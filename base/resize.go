package base

import (
	"reflect"

	"github.com/sugarme/gotch/ts"
)

// UpsampleBilinear interpolates x to outSize (HxW) using `bilinear` algorithm
// with align_corners=false.
// x should be in shape: [BatchSize CHW]
//
// A shallow clone is returned if x already has the target size so that the
// caller can always drop the result.
func UpsampleBilinear(x *ts.Tensor, outSize []int64) *ts.Tensor {
	xSize := x.MustSize()
	if reflect.DeepEqual(xSize[2:], outSize) {
		return x.MustShallowClone()
	}

	return x.MustUpsampleBilinear2d(outSize, false, nil, nil, false)
}

// UpsampleNearest2x doubles spatial size of x using `nearest` algorithm.
func UpsampleNearest2x(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	outSize := []int64{size[2] * 2, size[3] * 2}

	return x.MustUpsampleNearest2d(outSize, nil, nil, false)
}

// ResizeLike bilinear resizes x to height and width of ref.
func ResizeLike(x, ref *ts.Tensor) *ts.Tensor {
	refSize := ref.MustSize()
	return UpsampleBilinear(x, refSize[2:])
}
