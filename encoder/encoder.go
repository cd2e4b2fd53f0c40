package encoder

import (
	"github.com/sugarme/gotch/ts"
)

// Encoder is encoder interface for a image segmentation model.
//
// ForwardAll returns the feature maps a decoder consumes, ordered from the
// finest resolution to the coarsest.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
}
