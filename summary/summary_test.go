package summary_test

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/unetseg/summary"
	"github.com/sugarme/unetseg/unet"
)

func tinyUNet(t *testing.T) *unet.UNet {
	net, _ := tinyUNetVars(t)
	return net
}

func tinyUNetVars(t *testing.T) (*unet.UNet, *nn.VarStore) {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	config := unet.DefaultConfig(2)
	config.Widths = []int64{4, 8}
	net, err := unet.New(vs.Root(), config)
	require.NoError(t, err)
	return net, vs
}

func TestStage(t *testing.T) {
	assert.Equal(t, "decode4", summary.Stage("decode4.conv.encoding_block.1.weight"))
	assert.Equal(t, "weight", summary.Stage("weight"))
}

func TestStageTotals(t *testing.T) {
	net := tinyUNet(t)

	stages, totals := summary.StageTotals(summary.DataFrame(net.Parameters()))
	assert.Equal(t, []string{"conv1", "center", "decode1", "final"}, stages)
	assert.Equal(t, []float64{276, 912, 476, 10}, totals)
}

func TestWriteCSV(t *testing.T) {
	net := tinyUNet(t)
	params := net.Parameters()

	var buf bytes.Buffer
	require.NoError(t, summary.WriteCSV(&buf, params))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(params)+1)
	assert.ElementsMatch(t, []string{"Name", "Stage", "Shape", "Numel"}, records[0])

	col := make(map[string]int)
	for i, h := range records[0] {
		col[h] = i
	}
	var sum int64
	for _, r := range records[1:] {
		n, err := strconv.ParseInt(r[col["Numel"]], 10, 64)
		require.NoError(t, err)
		sum += n
	}
	assert.Equal(t, net.NumParameters(), sum)
	assert.Equal(t, "conv1.encoding_block.1.weight", records[1][col["Name"]])
}

func TestPrint(t *testing.T) {
	net := tinyUNet(t)

	var buf bytes.Buffer
	require.NoError(t, summary.Print(&buf, net.Parameters()))

	out := buf.String()
	assert.Contains(t, out, "center")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[4], "total"))
	assert.Contains(t, lines[4], "1674")
}

func TestWriteChart(t *testing.T) {
	net := tinyUNet(t)

	var buf bytes.Buffer
	require.NoError(t, summary.WriteChart(&buf, net.Parameters(), "tiny", "png"))
	// PNG signature
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestPrintVars(t *testing.T) {
	_, vs := tinyUNetVars(t)

	var buf bytes.Buffer
	require.NoError(t, summary.PrintVars(&buf, vs))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, len(vs.Variables()))
	assert.True(t, strings.HasPrefix(lines[0], "center.encoding_block.1.bias"))
	assert.True(t, sort.StringsAreSorted(lines))
	assert.Contains(t, buf.String(), "final.weight \t\t [2 4 1 1]")
}
