package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sugarme/gotch"
	"gopkg.in/yaml.v3"

	"github.com/sugarme/unetseg/unet"
)

// ErrUnknownVariant is returned for a model variant other than
// "unet" or "unet-small".
var ErrUnknownVariant = errors.New("unknown model variant")

const (
	VariantUNet      = "unet"
	VariantUNetSmall = "unet-small"
)

// Config is the architecture config file content.
//
// Pointer fields distinguish "not set" from false or zero so that a file
// can override only some of the defaults.
type Config struct {
	Variant          string `yaml:"variant"`
	NumClasses       int64  `yaml:"num_classes"`
	InChannels       int64  `yaml:"in_channels,omitempty"`
	KernelSize       int64  `yaml:"kernel_size,omitempty"`
	BatchNorm        *bool  `yaml:"batch_norm,omitempty"`
	DecoderBatchNorm *bool  `yaml:"decoder_batch_norm,omitempty"`
	Dropout          *bool  `yaml:"dropout,omitempty"`
	Upsampling       string `yaml:"upsampling,omitempty"`
	DeviceName       string `yaml:"device,omitempty"`
}

// Default returns config of a 1 class UNet on CPU.
func Default() *Config {
	return &Config{
		Variant:    VariantUNet,
		NumClasses: 1,
		DeviceName: "cpu",
	}
}

// Load reads config from a yaml file.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses yaml content. Unset fields keep values of Default.
func Unmarshal(conf []byte) (*Config, error) {
	out := Default()
	if err := yaml.Unmarshal(conf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal encodes config as yaml.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Model resolves the unet.Config described by c.
func (c *Config) Model() (unet.Config, error) {
	var model unet.Config
	switch strings.ToLower(c.Variant) {
	case "", VariantUNet:
		model = unet.DefaultConfig(c.NumClasses)
	case VariantUNetSmall, "unetsmall", "small":
		model = unet.SmallConfig(c.NumClasses)
	default:
		return unet.Config{}, fmt.Errorf("%w: %q", ErrUnknownVariant, c.Variant)
	}

	if c.InChannels != 0 {
		model.InChannels = c.InChannels
	}
	if c.KernelSize != 0 {
		model.KernelSize = c.KernelSize
	}
	if c.BatchNorm != nil {
		model.BatchNorm = *c.BatchNorm
	}
	if c.DecoderBatchNorm != nil {
		model.DecoderBatchNorm = *c.DecoderBatchNorm
	}
	if c.Dropout != nil {
		model.Dropout = *c.Dropout
	}
	mode, err := unet.ParseUpsampleMode(c.Upsampling)
	if err != nil {
		return unet.Config{}, err
	}
	model.Upsample = mode

	if err := model.Validate(); err != nil {
		return unet.Config{}, err
	}
	return model, nil
}

// Device returns gotch device. "cuda" falls back to CPU when no CUDA
// device is available.
func (c *Config) Device() gotch.Device {
	if strings.ToLower(c.DeviceName) == "cuda" {
		return gotch.NewCuda().CudaIfAvailable()
	}
	return gotch.CPU
}
