package unet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/base"
	"github.com/sugarme/unetseg/unet"
)

func TestDecodingBlockOutSize(t *testing.T) {
	for _, mode := range []unet.UpsampleMode{unet.NearestProject, unet.TransposedConv} {
		for _, tc := range []struct {
			in, out, skip int64
		}{
			{16, 8, 8},
			{16, 8, 3},
			{5, 7, 11},
		} {
			vs := nn.NewVarStore(gotch.CPU)
			config := unet.DefaultDecodingBlockConfig(tc.in, tc.out)
			config.SkipSize = tc.skip
			config.Upsample = mode
			block, err := unet.NewDecodingBlock(vs.Root(), config)
			require.NoError(t, err)
			assert.Equal(t, tc.out+tc.skip, config.ConcatSize())

			coarse := ts.MustRand([]int64{2, tc.in, 5, 6}, gotch.Float, gotch.CPU)
			skip := ts.MustRand([]int64{2, tc.skip, 11, 13}, gotch.Float, gotch.CPU)

			out := block.ForwardSkip(coarse, skip, true)
			// resolution of the upsampled coarse input, channels of the block.
			assert.Equal(t, []int64{2, tc.out, 10, 12}, out.MustSize(), "mode %v, %+v", mode, tc)

			out.MustDrop()
			coarse.MustDrop()
			skip.MustDrop()
		}
	}
}

func TestDecodingBlockTransposedLayout(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	config := unet.DefaultDecodingBlockConfig(16, 8)
	config.Upsample = unet.TransposedConv
	block := unet.MustDecodingBlock(vs.Root().Sub("decode1"), config)

	params := base.Prefix("decode1", block.Parameters())
	require.GreaterOrEqual(t, len(params), 2)
	assert.Equal(t, "decode1.up.weight", params[0].Name)
	assert.Equal(t, []int64{16, 8, 2, 2}, params[0].Shape())
	assert.Equal(t, "decode1.up.bias", params[1].Name)

	vars := vs.Variables()
	for _, p := range params {
		_, ok := vars[p.Name]
		assert.True(t, ok, "missing variable %q", p.Name)
	}

	coarse := ts.MustRand([]int64{2, 16, 5, 6}, gotch.Float, gotch.CPU)
	skip := ts.MustRand([]int64{2, 8, 10, 12}, gotch.Float, gotch.CPU)
	out := block.ForwardSkip(coarse, skip, false)
	assert.Equal(t, []int64{2, 8, 10, 12}, out.MustSize())

	for _, x := range []*ts.Tensor{out, coarse, skip} {
		x.MustDrop()
	}
}

func TestDecodingBlockDefaultSkipSize(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	config := unet.DefaultDecodingBlockConfig(1024, 512)
	assert.Equal(t, int64(1024), config.ConcatSize())
	assert.False(t, config.BatchNorm)
	assert.Equal(t, unet.NearestProject, config.Upsample)

	block := unet.MustDecodingBlock(vs.Root(), config)
	assert.Equal(t, int64(512), block.OutSize())
}

func TestDecodingBlockInvalid(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	_, err := unet.NewDecodingBlock(vs.Root(), unet.DefaultDecodingBlockConfig(8, 8))
	assert.ErrorIs(t, err, base.ErrInvalidSize)

	config := unet.DefaultDecodingBlockConfig(16, 8)
	config.KernelSize = 2
	_, err = unet.NewDecodingBlock(vs.Root(), config)
	assert.ErrorIs(t, err, base.ErrEvenKernel)

	config = unet.DefaultDecodingBlockConfig(16, 8)
	config.Upsample = unet.UpsampleMode(9)
	_, err = unet.NewDecodingBlock(vs.Root(), config)
	assert.ErrorIs(t, err, unet.ErrInvalidConfig)
}

func TestUpsampleMode(t *testing.T) {
	assert.Equal(t, unet.NearestProject, unet.UpsampleModeFromBool(true))
	assert.Equal(t, unet.TransposedConv, unet.UpsampleModeFromBool(false))

	for s, want := range map[string]unet.UpsampleMode{
		"":            unet.NearestProject,
		"nearest":     unet.NearestProject,
		" Transposed": unet.TransposedConv,
	} {
		got, err := unet.ParseUpsampleMode(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if s != "" {
			round, err := unet.ParseUpsampleMode(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, round)
		}
	}

	_, err := unet.ParseUpsampleMode("bicubic")
	assert.ErrorIs(t, err, unet.ErrInvalidConfig)
}

func TestUNetDecoderForwardFeatures(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	dec, err := unet.NewUNetDecoder(vs.Root(), []int64{4, 8, 16}, 3, false, unet.NearestProject)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Depth())
	assert.Equal(t, int64(4), dec.OutSize())

	features := []*ts.Tensor{
		ts.MustRand([]int64{1, 4, 20, 20}, gotch.Float, gotch.CPU),
		ts.MustRand([]int64{1, 8, 10, 10}, gotch.Float, gotch.CPU),
		ts.MustRand([]int64{1, 16, 5, 5}, gotch.Float, gotch.CPU),
	}
	out := dec.ForwardFeatures(features, false)
	assert.Equal(t, []int64{1, 4, 20, 20}, out.MustSize())

	assert.PanicsWithError(t, "unexpected number of encoder features: expected 3, got 2", func() {
		dec.ForwardFeatures(features[:2], false)
	})
}
