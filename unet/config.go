package unet

import (
	"errors"
	"fmt"

	"github.com/sugarme/unetseg/base"
)

// ErrInvalidConfig is returned for an invalid model config.
var ErrInvalidConfig = errors.New("invalid unet config")

var (
	// UNetWidths are channels of conv1..conv4 and center of UNet.
	UNetWidths = []int64{64, 128, 256, 512, 1024}
	// UNetSmallWidths are UNetWidths halved.
	UNetSmallWidths = []int64{32, 64, 128, 256, 512}
)

// Config holds UNet construction options.
type Config struct {
	InChannels int64
	NumClasses int64

	// Widths are output channels of contracting blocks followed by center.
	// Decoding blocks mirror them. len(Widths)-1 is the model depth.
	Widths []int64

	KernelSize       int64
	BatchNorm        bool // encoding blocks of contracting path and center
	Dropout          bool // encoding blocks of contracting path and center
	DecoderBatchNorm bool // encoding blocks nested in decoding blocks
	Upsample         UpsampleMode
}

// DefaultConfig returns UNet config (64->1024 channels).
func DefaultConfig(numClasses int64) Config {
	return Config{
		InChannels:       3,
		NumClasses:       numClasses,
		Widths:           append([]int64(nil), UNetWidths...),
		KernelSize:       3,
		BatchNorm:        true,
		Dropout:          false,
		DecoderBatchNorm: false,
		Upsample:         NearestProject,
	}
}

// SmallConfig returns UNetSmall config (32->512 channels).
func SmallConfig(numClasses int64) Config {
	c := DefaultConfig(numClasses)
	c.Widths = append([]int64(nil), UNetSmallWidths...)
	return c
}

// Depth returns number of pooling stages.
func (c Config) Depth() int {
	return len(c.Widths) - 1
}

// Validate checks config values.
func (c Config) Validate() error {
	if c.InChannels <= 0 {
		return fmt.Errorf("%w: in channels %v", ErrInvalidConfig, c.InChannels)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("%w: num classes %v", ErrInvalidConfig, c.NumClasses)
	}
	if len(c.Widths) < 2 {
		return fmt.Errorf("%w: need at least 2 widths, got %v", ErrInvalidConfig, c.Widths)
	}
	for _, w := range c.Widths {
		if w <= 0 {
			return fmt.Errorf("%w: widths %v", ErrInvalidConfig, c.Widths)
		}
	}
	if err := c.blockConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.Upsample.valid() {
		return fmt.Errorf("%w: upsample mode %v", ErrInvalidConfig, c.Upsample)
	}
	return nil
}

// MinInputSize returns smallest height/width the model accepts: the center
// block input must stay larger than its reflection padding.
func (c Config) MinInputSize() int64 {
	pad := c.blockConfig().ReflectionPad()
	return (pad + 1) << uint(c.Depth())
}

// blockConfig is template of contracting path blocks. Channel sizes are
// placeholders, filled per stage.
func (c Config) blockConfig() base.EncodingBlockConfig {
	b := base.DefaultEncodingBlockConfig(1, 1)
	b.KernelSize = c.KernelSize
	b.BatchNorm = c.BatchNorm
	b.Dropout = c.Dropout
	return b
}
