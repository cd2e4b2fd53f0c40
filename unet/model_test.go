package unet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/unet"
)

func forwardShape(t *testing.T, net *unet.UNet, shape []int64) []int64 {
	t.Helper()
	image := ts.MustRand(shape, gotch.Float, gotch.CPU)
	defer image.MustDrop()

	logit, err := net.Predict(image)
	require.NoError(t, err)
	defer logit.MustDrop()

	return logit.MustSize()
}

func TestUNet256(t *testing.T) {
	if testing.Short() {
		t.Skip("full size UNet forward")
	}
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNet(vs.Root(), 1)

	assert.Equal(t, []int64{1, 1, 256, 256}, forwardShape(t, net, []int64{1, 3, 256, 256}))
}

func TestUNetSmall256(t *testing.T) {
	if testing.Short() {
		t.Skip("full size UNet forward")
	}
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNetSmall(vs.Root(), 5)

	assert.Equal(t, []int64{1, 5, 256, 256}, forwardShape(t, net, []int64{1, 3, 256, 256}))
}

func TestUNetNonPowerOfTwo(t *testing.T) {
	if testing.Short() {
		t.Skip("full size UNet forward")
	}
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNet(vs.Root(), 1)

	assert.Equal(t, []int64{1, 1, 250, 250}, forwardShape(t, net, []int64{1, 3, 250, 250}))
}

func TestUNetSmallKeepsSpatialSize(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNetSmall(vs.Root(), 3)

	for _, shape := range [][]int64{
		{2, 3, 32, 32},
		{1, 3, 64, 48},
		{1, 3, 80, 96},
		{1, 3, 37, 45},
	} {
		want := []int64{shape[0], 3, shape[2], shape[3]}
		assert.Equal(t, want, forwardShape(t, net, shape), "input %v", shape)
	}
}

func TestUNetTrainForward(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	config := unet.SmallConfig(2)
	config.Dropout = true
	config.DecoderBatchNorm = true
	config.Upsample = unet.TransposedConv
	net, err := unet.New(vs.Root(), config)
	require.NoError(t, err)

	x := ts.MustRand([]int64{2, 3, 32, 48}, gotch.Float, gotch.CPU)
	out := net.ForwardT(x, true)
	assert.Equal(t, []int64{2, 2, 32, 48}, out.MustSize())

	// gradients flow back to the first layer.
	loss := out.MustMean(gotch.Float, true)
	loss.MustBackward()
	first := net.Parameters()[0]
	assert.Equal(t, "conv1.encoding_block.1.weight", first.Name)
	grad := first.Tensor.MustGrad(false)
	assert.Equal(t, first.Shape(), grad.MustSize())
}

func TestTinyUNetParameters(t *testing.T) {
	for _, tc := range []struct {
		mode unet.UpsampleMode
		want int64
	}{
		// conv1 276 + center 912 + decode1 (36 + 440) + final 10
		{unet.NearestProject, 1674},
		// deconv weight [8 4 2 2] = [in out k k] + bias replaces the 1x1 projection
		{unet.TransposedConv, 1770},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			config := unet.DefaultConfig(2)
			config.Widths = []int64{4, 8}
			config.Upsample = tc.mode
			net, err := unet.New(vs.Root(), config)
			require.NoError(t, err)

			assert.Equal(t, 1, net.Depth())
			assert.Equal(t, tc.want, net.NumParameters())

			params := net.Parameters()
			vars := vs.Variables()
			for _, p := range params {
				_, ok := vars[p.Name]
				assert.True(t, ok, "missing variable %q", p.Name)
			}
			assert.Len(t, vs.TrainableVariables(), len(params))

			assert.Equal(t, []int64{2, 2, 9, 7}, forwardShape(t, net, []int64{2, 3, 9, 7}))
		})
	}
}

func TestUNetParameterNames(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNetSmall(vs.Root(), 1)

	names := make(map[string]bool)
	for _, p := range net.Parameters() {
		assert.False(t, names[p.Name], "duplicate %q", p.Name)
		names[p.Name] = true
	}

	for _, n := range []string{
		"conv1.encoding_block.1.weight",
		"conv4.encoding_block.6.bias",
		"center.encoding_block.5.weight",
		"decode4.up.1.weight",
		"decode4.conv.encoding_block.1.weight",
		"decode1.conv.encoding_block.4.bias",
		"final.weight",
		"final.bias",
	} {
		assert.True(t, names[n], "missing %q", n)
	}
}

func TestPredictRejectsInvalidInput(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net := unet.NewUNetSmall(vs.Root(), 1)

	for _, shape := range [][]int64{
		{3, 32, 32},
		{1, 1, 32, 32},
		{1, 3, 16, 64},
		{1, 3, 64, 31},
	} {
		x := ts.MustZeros(shape, gotch.Float, gotch.CPU)
		_, err := net.Predict(x)
		assert.ErrorIs(t, err, unet.ErrInputShape, "input %v", shape)
		x.MustDrop()
	}
}

func TestNewUNetPanicsOnInvalidClasses(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	assert.Panics(t, func() { unet.NewUNet(vs.Root(), 0) })
}
