package unet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
)

// ErrFeatureCount is raised when a decoder gets a number of encoder
// features different from its depth + 1.
var ErrFeatureCount = errors.New("unexpected number of encoder features")

// UpsampleMode selects how a DecodingBlock doubles resolution of its coarse input.
type UpsampleMode int

const (
	// NearestProject is nearest neighbor x2 upsampling followed by a 1x1 conv.
	NearestProject UpsampleMode = iota
	// TransposedConv is a learned transposed conv with kernel 2, stride 2.
	TransposedConv
)

func (m UpsampleMode) String() string {
	switch m {
	case NearestProject:
		return "nearest"
	case TransposedConv:
		return "transposed"
	default:
		return fmt.Sprintf("UpsampleMode(%d)", int(m))
	}
}

func (m UpsampleMode) valid() bool {
	return m == NearestProject || m == TransposedConv
}

// UpsampleModeFromBool maps an `upsampling` switch to UpsampleMode:
// true selects NearestProject, false TransposedConv.
func UpsampleModeFromBool(upsampling bool) UpsampleMode {
	if upsampling {
		return NearestProject
	}
	return TransposedConv
}

// ParseUpsampleMode parses "nearest" or "transposed".
func ParseUpsampleMode(s string) (UpsampleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nearest":
		return NearestProject, nil
	case "transposed":
		return TransposedConv, nil
	default:
		return 0, fmt.Errorf("%w: unknown upsample mode %q", ErrInvalidConfig, s)
	}
}

// upsampler doubles resolution and maps channels to the decoding block output size.
type upsampler interface {
	forward(x *ts.Tensor) *ts.Tensor
	parameters() []base.Param
}

type nearestProject struct {
	proj *nn.Conv2D
}

func (u *nearestProject) forward(x *ts.Tensor) *ts.Tensor {
	up := base.UpsampleNearest2x(x)
	out := u.proj.Forward(up)
	up.MustDrop()
	return out
}

func (u *nearestProject) parameters() []base.Param {
	// upsample layer, then conv at index 1
	return base.ConvParams("up.1", u.proj)
}

type transposedConv struct {
	deconv *base.ConvTranspose2D
}

func (u *transposedConv) forward(x *ts.Tensor) *ts.Tensor {
	return u.deconv.Forward(x)
}

func (u *transposedConv) parameters() []base.Param {
	return base.ConvTransposeParams("up", u.deconv)
}

// DecodingBlockConfig holds options of a DecodingBlock.
type DecodingBlockConfig struct {
	InSize  int64 // channels of coarse input
	OutSize int64

	// SkipSize is number of channels of the skip input. Zero means
	// InSize - OutSize, i.e. concatenation has InSize channels.
	SkipSize int64

	KernelSize int64
	BatchNorm  bool
	Upsample   UpsampleMode
}

// DefaultDecodingBlockConfig returns config with no batch norm and nearest
// neighbor upsampling.
func DefaultDecodingBlockConfig(inSize, outSize int64) DecodingBlockConfig {
	return DecodingBlockConfig{
		InSize:     inSize,
		OutSize:    outSize,
		KernelSize: 3,
		BatchNorm:  false,
		Upsample:   NearestProject,
	}
}

// ConcatSize returns channels of the concatenated skip and upsampled tensors.
func (c DecodingBlockConfig) ConcatSize() int64 {
	if c.SkipSize == 0 {
		return c.InSize
	}
	return c.OutSize + c.SkipSize
}

// Validate checks config values.
func (c DecodingBlockConfig) Validate() error {
	if c.InSize <= 0 || c.OutSize <= 0 || c.SkipSize < 0 {
		return fmt.Errorf("%w: in=%v out=%v skip=%v", base.ErrInvalidSize, c.InSize, c.OutSize, c.SkipSize)
	}
	if c.ConcatSize() <= c.OutSize {
		return fmt.Errorf("%w: no skip channels left: in=%v out=%v", base.ErrInvalidSize, c.InSize, c.OutSize)
	}
	if !c.Upsample.valid() {
		return fmt.Errorf("%w: upsample mode %v", ErrInvalidConfig, c.Upsample)
	}
	return nil
}

// DecodingBlock upsamples a coarse feature map, resizes the skip feature
// map to match, concatenates both and forwards through an EncodingBlock.
type DecodingBlock struct {
	config DecodingBlockConfig
	up     upsampler
	conv   *base.EncodingBlock
}

// NewDecodingBlock creates a DecodingBlock. The upsampler is registered
// at `up` and the encoding block at `conv` under p.
func NewDecodingBlock(p *nn.Path, config DecodingBlockConfig) (*DecodingBlock, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var up upsampler
	switch config.Upsample {
	case NearestProject:
		up = &nearestProject{proj: base.Conv2d(p.Sub("up").Sub("1"), config.InSize, config.OutSize, 1, 0, 1)}
	case TransposedConv:
		up = &transposedConv{deconv: base.ConvTranspose2d(p.Sub("up"), config.InSize, config.OutSize, 2, 2)}
	}

	blockConfig := base.DefaultEncodingBlockConfig(config.ConcatSize(), config.OutSize)
	blockConfig.BatchNorm = config.BatchNorm
	if config.KernelSize != 0 {
		blockConfig.KernelSize = config.KernelSize
	}
	conv, err := base.NewEncodingBlock(p.Sub("conv"), blockConfig)
	if err != nil {
		return nil, err
	}

	return &DecodingBlock{
		config: config,
		up:     up,
		conv:   conv,
	}, nil
}

// MustDecodingBlock creates a DecodingBlock and panics on invalid config.
func MustDecodingBlock(p *nn.Path, config DecodingBlockConfig) *DecodingBlock {
	d, err := NewDecodingBlock(p, config)
	if err != nil {
		panic(err)
	}
	return d
}

// Config returns block config.
func (d *DecodingBlock) Config() DecodingBlockConfig {
	return d.config
}

// OutSize returns number of output channels.
func (d *DecodingBlock) OutSize() int64 {
	return d.config.OutSize
}

// ForwardSkip upsamples x (coarse input) and forwards it concatenated with
// skip (fine input) through the block encoding convs.
// Output has OutSize channels at the upsampled resolution of x.
func (d *DecodingBlock) ForwardSkip(x, skip *ts.Tensor, train bool) *ts.Tensor {
	up := d.up.forward(x)
	upSize := up.MustSize()
	skipUp := base.UpsampleBilinear(skip, upSize[2:])

	cat := ts.MustCat([]ts.Tensor{*skipUp, *up}, 1)
	skipUp.MustDrop()
	up.MustDrop()

	out := d.conv.ForwardT(cat, train)
	cat.MustDrop()

	return out
}

// Parameters returns learned parameters of the block.
func (d *DecodingBlock) Parameters() []base.Param {
	params := d.up.parameters()
	return append(params, base.Prefix("conv", d.conv.Parameters())...)
}

// UNetDecoder is the expanding path of a UNet.
type UNetDecoder struct {
	// blocks[i] decodes depth i+1 and is registered at `decode{i+1}`.
	blocks []*DecodingBlock
}

// NewUNetDecoder creates UNetDecoder mirroring encoder channels.
//
// encoderChannels are channels of the encoder features (contracting
// blocks, then center). Decoding block at depth d maps
// encoderChannels[d] to encoderChannels[d-1] and takes encoder feature
// d-1 as skip.
func NewUNetDecoder(p *nn.Path, encoderChannels []int64, kernelSize int64, batchNorm bool, mode UpsampleMode) (*UNetDecoder, error) {
	depth := len(encoderChannels) - 1
	if depth < 1 {
		return nil, fmt.Errorf("%w: decoder needs at least 2 encoder channels, got %v", base.ErrInvalidSize, encoderChannels)
	}

	blocks := make([]*DecodingBlock, depth)
	for d := depth; d >= 1; d-- {
		config := DecodingBlockConfig{
			InSize:     encoderChannels[d],
			OutSize:    encoderChannels[d-1],
			SkipSize:   encoderChannels[d-1],
			KernelSize: kernelSize,
			BatchNorm:  batchNorm,
			Upsample:   mode,
		}
		name := fmt.Sprintf("decode%d", d)
		block, err := NewDecodingBlock(p.Sub(name), config)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", name, err)
		}
		blocks[d-1] = block
	}

	return &UNetDecoder{blocks: blocks}, nil
}

// Depth returns number of decoding blocks.
func (n *UNetDecoder) Depth() int {
	return len(n.blocks)
}

// OutSize returns channels of the decoder output.
func (n *UNetDecoder) OutSize() int64 {
	return n.blocks[0].OutSize()
}

// ForwardFeatures forwards through encoder features. features must be
// ordered as encoder.Encoder.ForwardAll returns them.
//
// For depth 4 (UNet widths, input H x W):
//
//	decode4(center [B 1024 H/16 W/16], conv4) => [B 512 H/8 W/8]
//	decode3(decode4, conv3)                   => [B 256 H/4 W/4]
//	decode2(decode3, conv2)                   => [B 128 H/2 W/2]
//	decode1(decode2, conv1)                   => [B  64 H   W  ]
func (n *UNetDecoder) ForwardFeatures(features []*ts.Tensor, train bool) *ts.Tensor {
	depth := len(n.blocks)
	if len(features) != depth+1 {
		panic(fmt.Errorf("%w: expected %v, got %v", ErrFeatureCount, depth+1, len(features)))
	}

	x := features[depth]
	for d := depth; d >= 1; d-- {
		z := n.blocks[d-1].ForwardSkip(x, features[d-1], train)
		if d != depth {
			x.MustDrop()
		}
		x = z
	}

	return x
}

// Parameters returns learned parameters of all decoding blocks, deepest first.
func (n *UNetDecoder) Parameters() []base.Param {
	var params []base.Param
	for d := len(n.blocks); d >= 1; d-- {
		name := fmt.Sprintf("decode%d", d)
		params = append(params, base.Prefix(name, n.blocks[d-1].Parameters())...)
	}
	return params
}
