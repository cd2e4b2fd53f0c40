package unet

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
	"github.com/sugarme/unetseg/encoder"
)

// ErrInputShape is returned by Predict for an input the model can not take.
var ErrInputShape = errors.New("invalid input shape")

// UNet is a UNET model struct with reflection padded, ELU activated
// encoding blocks. UNet and UNetSmall differ only in Config.Widths.
// Ref: https://arxiv.org/abs/1505.04597
type UNet struct {
	config  Config
	encoder *encoder.ContractingEncoder
	decoder *UNetDecoder
	segHead *base.SegmentationHead
}

// New creates a UNet from config. Variables are registered under p as
// conv1..convN, center, decodeN..decode1 and final.
func New(p *nn.Path, config Config) (*UNet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	enc, err := encoder.NewContractingEncoder(p, config.InChannels, config.Widths, config.blockConfig())
	if err != nil {
		return nil, err
	}

	dec, err := NewUNetDecoder(p, enc.OutChannels(), config.KernelSize, config.DecoderBatchNorm, config.Upsample)
	if err != nil {
		return nil, err
	}

	// cIn=decoder out channels, cOut=classes, ksize(kernel size = 1)
	head := base.NewSegmentationHead(p.Sub("final"), dec.OutSize(), config.NumClasses, 1)

	return &UNet{
		config:  config,
		encoder: enc,
		decoder: dec,
		segHead: head,
	}, nil
}

func mustNew(p *nn.Path, config Config) *UNet {
	net, err := New(p, config)
	if err != nil {
		panic(err)
	}
	return net
}

// NewUNet creates UNet (64 -> 1024 channels) with default block options.
// It panics if numClasses is not positive.
func NewUNet(p *nn.Path, numClasses int64) *UNet {
	return mustNew(p, DefaultConfig(numClasses))
}

// NewUNetSmall creates UNetSmall (32 -> 512 channels) with default block
// options. It panics if numClasses is not positive.
func NewUNetSmall(p *nn.Path, numClasses int64) *UNet {
	return mustNew(p, SmallConfig(numClasses))
}

// Config returns model config.
func (n *UNet) Config() Config {
	return n.config
}

// Depth returns number of pooling stages.
func (n *UNet) Depth() int {
	return n.encoder.Depth()
}

// NumClasses returns number of output channels.
func (n *UNet) NumClasses() int64 {
	return n.config.NumClasses
}

// ForwardT implements ts.ModuleT for UNet.
//
// x: [B InChannels H W] => [B NumClasses H W]
func (n *UNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	masks := n.segHead.ForwardRef(out, x, train)

	for _, f := range features {
		f.MustDrop()
	}
	out.MustDrop()

	return masks
}

// Forward implements ts.Module for UNet (evaluation mode).
func (n *UNet) Forward(x *ts.Tensor) *ts.Tensor {
	return n.ForwardT(x, false)
}

// CheckInput validates x shape against the model.
func (n *UNet) CheckInput(x *ts.Tensor) error {
	size, err := x.Size()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputShape, err)
	}
	if len(size) != 4 {
		return fmt.Errorf("%w: expected [B C H W], got %v", ErrInputShape, size)
	}
	if size[1] != n.config.InChannels {
		return fmt.Errorf("%w: expected %v channels, got %v", ErrInputShape, n.config.InChannels, size[1])
	}
	minSize := n.config.MinInputSize()
	if size[2] < minSize || size[3] < minSize {
		return fmt.Errorf("%w: height and width must be at least %v, got %vx%v", ErrInputShape, minSize, size[2], size[3])
	}
	return nil
}

// Predict validates x and runs an evaluation forward pass without
// gradient tracking.
func (n *UNet) Predict(x *ts.Tensor) (*ts.Tensor, error) {
	if err := n.CheckInput(x); err != nil {
		return nil, err
	}

	var logit *ts.Tensor
	ts.NoGrad(func() {
		logit = n.ForwardT(x, false)
	})

	return logit, nil
}

// Parameters returns learned parameters of the whole model, named as the
// corresponding VarStore variables.
func (n *UNet) Parameters() []base.Param {
	params := n.encoder.Parameters()
	params = append(params, n.decoder.Parameters()...)
	return append(params, base.Prefix("final", n.segHead.Parameters())...)
}

// NumParameters returns number of learned scalars.
func (n *UNet) NumParameters() int64 {
	return base.CountParams(n.Parameters())
}
