package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
)

var _ Encoder = (*ContractingEncoder)(nil)

// ContractingEncoder is the contracting path of a UNet: a sequence of
// EncodingBlock + 2x2 max pooling stages followed by a center block.
type ContractingEncoder struct {
	names  []string
	blocks []*base.EncodingBlock
	center *base.EncodingBlock
}

// NewContractingEncoder creates a ContractingEncoder.
//
// widths holds output channels of every contracting block followed by the
// center block, e.g. [64 128 256 512 1024] for 4 pooling stages. Block
// options other than channel sizes are taken from block.
// Blocks are registered at `conv1`..`convN` and `center` under p.
func NewContractingEncoder(p *nn.Path, cIn int64, widths []int64, block base.EncodingBlockConfig) (*ContractingEncoder, error) {
	if len(widths) < 2 {
		return nil, fmt.Errorf("%w: contracting path needs at least 1 stage and a center, got %v widths", base.ErrInvalidSize, len(widths))
	}

	depth := len(widths) - 1
	e := &ContractingEncoder{
		names:  make([]string, depth),
		blocks: make([]*base.EncodingBlock, depth),
	}

	in := cIn
	for i := 0; i < depth; i++ {
		config := block
		config.InSize = in
		config.OutSize = widths[i]
		name := fmt.Sprintf("conv%d", i+1)
		b, err := base.NewEncodingBlock(p.Sub(name), config)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", name, err)
		}
		e.names[i] = name
		e.blocks[i] = b
		in = widths[i]
	}

	config := block
	config.InSize = in
	config.OutSize = widths[depth]
	center, err := base.NewEncodingBlock(p.Sub("center"), config)
	if err != nil {
		return nil, fmt.Errorf("center: %w", err)
	}
	e.center = center

	return e, nil
}

// Depth returns number of pooling stages.
func (e *ContractingEncoder) Depth() int {
	return len(e.blocks)
}

// OutChannels returns channels of each tensor returned by ForwardAll.
func (e *ContractingEncoder) OutChannels() []int64 {
	channels := make([]int64, 0, len(e.blocks)+1)
	for _, b := range e.blocks {
		channels = append(channels, b.OutSize())
	}
	return append(channels, e.center.OutSize())
}

// ForwardAll implements Encoder interface for ContractingEncoder.
//
// For depth 4 and x [B 3 H W] it returns (UNet widths):
//
//	0- conv1  [B   64 H    W   ]
//	1- conv2  [B  128 H/2  W/2 ]
//	2- conv3  [B  256 H/4  W/4 ]
//	3- conv4  [B  512 H/8  W/8 ]
//	4- center [B 1024 H/16 W/16]
//
// Pooled tensors are freed here; the caller owns the returned ones.
func (e *ContractingEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	features := make([]*ts.Tensor, 0, len(e.blocks)+1)

	input := x
	for i, b := range e.blocks {
		conv := b.ForwardT(input, train)
		if i > 0 {
			input.MustDrop()
		}
		features = append(features, conv)
		input = base.MaxPool2x2(conv)
	}

	center := e.center.ForwardT(input, train)
	if len(e.blocks) > 0 {
		input.MustDrop()
	}

	return append(features, center)
}

// Parameters returns learned parameters of all blocks.
func (e *ContractingEncoder) Parameters() []base.Param {
	var params []base.Param
	for i, b := range e.blocks {
		params = append(params, base.Prefix(e.names[i], b.Parameters())...)
	}
	return append(params, base.Prefix("center", e.center.Parameters())...)
}
