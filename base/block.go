package base

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// DropoutProb is zeroing probability of EncodingBlock dropout.
const DropoutProb = 0.5

var (
	// ErrEvenKernel is returned for an even convolution kernel size. Reflection
	// padding of (k-1)/2 can not keep spatial size with an even kernel.
	ErrEvenKernel = errors.New("kernel size must be odd")

	// ErrInvalidSize is returned for non-positive channel counts, strides or dilations.
	ErrInvalidSize = errors.New("invalid block size")
)

// EncodingBlockConfig holds options of an EncodingBlock.
type EncodingBlockConfig struct {
	InSize     int64
	OutSize    int64
	KernelSize int64
	Padding    int64 // explicit conv padding, applied on top of reflection padding
	Stride     int64
	Dilation   int64
	BatchNorm  bool
	Dropout    bool
}

// DefaultEncodingBlockConfig returns config with kernel size 3, no extra
// padding, stride 1, dilation 1, batch norm on and dropout off.
func DefaultEncodingBlockConfig(inSize, outSize int64) EncodingBlockConfig {
	return EncodingBlockConfig{
		InSize:     inSize,
		OutSize:    outSize,
		KernelSize: 3,
		Padding:    0,
		Stride:     1,
		Dilation:   1,
		BatchNorm:  true,
		Dropout:    false,
	}
}

// Validate checks config values.
func (c EncodingBlockConfig) Validate() error {
	if c.InSize <= 0 || c.OutSize <= 0 {
		return fmt.Errorf("%w: in=%v out=%v", ErrInvalidSize, c.InSize, c.OutSize)
	}
	if c.KernelSize <= 0 {
		return fmt.Errorf("%w: kernel size %v", ErrInvalidSize, c.KernelSize)
	}
	if c.KernelSize%2 == 0 {
		return fmt.Errorf("%w: got %v", ErrEvenKernel, c.KernelSize)
	}
	if c.Stride <= 0 || c.Dilation <= 0 {
		return fmt.Errorf("%w: stride=%v dilation=%v", ErrInvalidSize, c.Stride, c.Dilation)
	}
	if c.Padding < 0 {
		return fmt.Errorf("%w: padding %v", ErrInvalidSize, c.Padding)
	}
	return nil
}

// ReflectionPad returns reflection padding applied on each border.
func (c EncodingBlockConfig) ReflectionPad() int64 {
	return (c.KernelSize - 1) / 2
}

// EncodingBlock is a 2-stage `reflection pad -> conv -> batch norm -> ELU`
// module with optional dropout at the end.
//
// Variable names follow a flat sequential numbering under `encoding_block`
// so weights exported from an equivalent sequential model load as such.
type EncodingBlock struct {
	config EncodingBlockConfig
	pad    []int64

	Conv1 *nn.Conv2D
	Bn1   *nn.BatchNorm // nil if batch norm disabled
	Conv2 *nn.Conv2D
	Bn2   *nn.BatchNorm // nil if batch norm disabled
}

// layer indexes in the sequential numbering.
func (c EncodingBlockConfig) layerNames() (conv1, bn1, conv2, bn2 string) {
	if c.BatchNorm {
		// pad, conv, bn, elu, pad, conv, bn, elu
		return "1", "2", "5", "6"
	}
	// pad, conv, elu, pad, conv, elu
	return "1", "", "4", ""
}

// NewEncodingBlock creates an EncodingBlock.
func NewEncodingBlock(p *nn.Path, config EncodingBlockConfig) (*EncodingBlock, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	seq := p.Sub("encoding_block")
	conv1Name, bn1Name, conv2Name, bn2Name := config.layerNames()

	pad := config.ReflectionPad()
	b := &EncodingBlock{
		config: config,
		pad:    []int64{pad, pad, pad, pad},
		Conv1:  Conv2dDilated(seq.Sub(conv1Name), config.InSize, config.OutSize, config.KernelSize, config.Padding, config.Stride, config.Dilation),
		Conv2:  Conv2dDilated(seq.Sub(conv2Name), config.OutSize, config.OutSize, config.KernelSize, config.Padding, config.Stride, config.Dilation),
	}
	if config.BatchNorm {
		b.Bn1 = nn.BatchNorm2D(seq.Sub(bn1Name), config.OutSize, batchNormConfig())
		b.Bn2 = nn.BatchNorm2D(seq.Sub(bn2Name), config.OutSize, batchNormConfig())
	}

	return b, nil
}

// batchNormConfig returns batch norm config with unit scale and zero shift
// at initialization.
func batchNormConfig() *nn.BatchNormConfig {
	config := nn.DefaultBatchNormConfig()
	config.WsInit = nn.NewConstInit(1.0)
	config.BsInit = nn.NewConstInit(0.0)
	return config
}

// MustEncodingBlock creates an EncodingBlock and panics on invalid config.
func MustEncodingBlock(p *nn.Path, config EncodingBlockConfig) *EncodingBlock {
	b, err := NewEncodingBlock(p, config)
	if err != nil {
		panic(err)
	}
	return b
}

// Config returns block config.
func (b *EncodingBlock) Config() EncodingBlockConfig {
	return b.config
}

// OutSize returns number of output channels.
func (b *EncodingBlock) OutSize() int64 {
	return b.config.OutSize
}

// ForwardT implements ts.ModuleT for EncodingBlock.
//
// train=true uses batch statistics and applies dropout; train=false uses
// running statistics and skips dropout.
func (b *EncodingBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	h := b.stage(x, b.Conv1, b.Bn1, train)
	out := b.stage(h, b.Conv2, b.Bn2, train)
	h.MustDrop()

	if !b.config.Dropout {
		return out
	}

	res := ts.MustDropout(out, DropoutProb, train)
	out.MustDrop()

	return res
}

// Forward implements ts.Module for EncodingBlock (evaluation mode).
func (b *EncodingBlock) Forward(x *ts.Tensor) *ts.Tensor {
	return b.ForwardT(x, false)
}

func (b *EncodingBlock) stage(x *ts.Tensor, conv *nn.Conv2D, bn *nn.BatchNorm, train bool) *ts.Tensor {
	padded := x.MustReflectionPad2d(b.pad, false)
	c := conv.Forward(padded)
	padded.MustDrop()

	if bn != nil {
		n := bn.ForwardT(c, train)
		c.MustDrop()
		c = n
	}

	return c.MustElu(true)
}

// Parameters returns learned parameters of the block.
func (b *EncodingBlock) Parameters() []Param {
	conv1Name, bn1Name, conv2Name, bn2Name := b.config.layerNames()
	prefix := func(n string) string { return "encoding_block." + n }

	params := ConvParams(prefix(conv1Name), b.Conv1)
	if b.Bn1 != nil {
		params = append(params, BatchNormParams(prefix(bn1Name), b.Bn1)...)
	}
	params = append(params, ConvParams(prefix(conv2Name), b.Conv2)...)
	if b.Bn2 != nil {
		params = append(params, BatchNormParams(prefix(bn2Name), b.Bn2)...)
	}

	return params
}
