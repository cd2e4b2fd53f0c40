package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// SegmentationHead projects decoder features to class logits and resizes
// them to a reference resolution.
type SegmentationHead struct {
	Conv *nn.Conv2D
}

// NewSegmentationHead creates new SegmentationHead.
// Zero padding of (ksize-1)/2 keeps spatial size for odd ksize.
func NewSegmentationHead(p *nn.Path, cIn, cOut, ksize int64) *SegmentationHead {
	return &SegmentationHead{
		Conv: Conv2d(p, cIn, cOut, ksize, (ksize-1)/2, 1),
	}
}

// ForwardT implements ts.ModuleT for SegmentationHead. No resizing.
func (h *SegmentationHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return h.Conv.ForwardT(x, train)
}

// ForwardRef projects x then bilinear resizes the logits to H and W of ref.
func (h *SegmentationHead) ForwardRef(x, ref *ts.Tensor, train bool) *ts.Tensor {
	logit := h.Conv.ForwardT(x, train)
	out := ResizeLike(logit, ref)
	logit.MustDrop()

	return out
}

// Parameters returns learned parameters of the head.
func (h *SegmentationHead) Parameters() []Param {
	return ConvParams("", h.Conv)
}
