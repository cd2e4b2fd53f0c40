package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Param is a named learned tensor owned by a module.
//
// Names follow the gotch VarStore naming (dot separated path + variable
// name), so a Param can be matched against `vs.Variables()`.
type Param struct {
	Name   string
	Tensor *ts.Tensor
}

// Numel returns number of elements of the parameter tensor.
func (p Param) Numel() int64 {
	var n int64 = 1
	for _, d := range p.Tensor.MustSize() {
		n *= d
	}
	return n
}

// Shape returns parameter tensor shape.
func (p Param) Shape() []int64 {
	return p.Tensor.MustSize()
}

// Prefix prepends prefix to every parameter name.
func Prefix(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: joinName(prefix, p.Name), Tensor: p.Tensor}
	}
	return out
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%v.%v", prefix, name)
}

// CountParams sums number of elements of all given parameters.
func CountParams(params []Param) int64 {
	var n int64
	for _, p := range params {
		n += p.Numel()
	}
	return n
}

// ConvParams lists weight and bias of a Conv2D. Bias is listed only when
// the conv was built with one.
func ConvParams(prefix string, c *nn.Conv2D) []Param {
	params := []Param{{Name: joinName(prefix, "weight"), Tensor: c.Ws}}
	if c.Config.Bias {
		params = append(params, Param{Name: joinName(prefix, "bias"), Tensor: c.Bs})
	}
	return params
}

// ConvTransposeParams lists weight and bias of a ConvTranspose2D.
func ConvTransposeParams(prefix string, c *ConvTranspose2D) []Param {
	return []Param{
		{Name: joinName(prefix, "weight"), Tensor: c.Ws},
		{Name: joinName(prefix, "bias"), Tensor: c.Bs},
	}
}

// BatchNormParams lists the affine parameters of a BatchNorm.
// Running statistics are buffers and not included.
func BatchNormParams(prefix string, bn *nn.BatchNorm) []Param {
	return []Param{
		{Name: joinName(prefix, "weight"), Tensor: bn.Ws},
		{Name: joinName(prefix, "bias"), Tensor: bn.Bs},
	}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	return Conv2dDilated(p, cIn, cOut, ksize, padding, stride, 1)
}

// Conv2dDilated creates Conv2D module with dilation.
func Conv2dDilated(p *nn.Path, cIn, cOut, ksize, padding, stride, dilation int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// ConvTranspose2D is a 2D transposed convolution with square kernel, no
// padding, dilation 1 and a single group.
//
// Weight is laid out [cIn cOut k k] as conv_transpose2d expects.
type ConvTranspose2D struct {
	Ws     *ts.Tensor
	Bs     *ts.Tensor
	Stride []int64
}

// ConvTranspose2d creates ConvTranspose2D module with `weight` and `bias`
// variables under p.
func ConvTranspose2d(p *nn.Path, cIn, cOut, ksize, stride int64) *ConvTranspose2D {
	return &ConvTranspose2D{
		Ws:     p.MustNewVar("weight", []int64{cIn, cOut, ksize, ksize}, nn.NewKaimingUniformInit()),
		Bs:     p.MustNewVar("bias", []int64{cOut}, nn.NewConstInit(0)),
		Stride: []int64{stride, stride},
	}
}

// Forward implements ts.Module for ConvTranspose2D.
//
// x: [B cIn H W] => [B cOut (H-1)*stride+k (W-1)*stride+k]
func (c *ConvTranspose2D) Forward(x *ts.Tensor) *ts.Tensor {
	// padding=0; output padding=0; groups=1; dilation=1
	return ts.MustConvTranspose2d(x, c.Ws, c.Bs, c.Stride, []int64{0, 0}, []int64{0, 0}, 1, []int64{1, 1})
}

// MaxPool2x2 halves spatial size: [B C H W] => [B C H/2 W/2] (floor).
func MaxPool2x2(x *ts.Tensor) *ts.Tensor {
	// ksize = 2; stride=2; padding=0; dilation=1; ceil=false
	return x.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
}
