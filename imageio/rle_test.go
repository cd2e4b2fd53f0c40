package imageio_test

import (
	"bytes"
	"image"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/unetseg/imageio"
)

func sampleMask() *image.Gray {
	// 3 wide, 2 high
	mask := image.NewGray(image.Rect(0, 0, 3, 2))
	mask.Pix = []uint8{
		255, 0, 255,
		255, 0, 0,
	}
	return mask
}

func TestEncodeRLE(t *testing.T) {
	assert.Equal(t, []int{1, 2, 5, 1}, imageio.EncodeRLE(sampleMask()))
	assert.Empty(t, imageio.EncodeRLE(image.NewGray(image.Rect(0, 0, 4, 4))))

	full := image.NewGray(image.Rect(0, 0, 2, 2))
	full.Pix = []uint8{1, 1, 1, 1}
	assert.Equal(t, []int{1, 4}, imageio.EncodeRLE(full))
}

func TestDecodeRLE(t *testing.T) {
	mask, err := imageio.DecodeRLE([]int{1, 2, 5, 1}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, sampleMask().Pix, mask.Pix)

	_, err = imageio.DecodeRLE([]int{1}, 3, 2)
	assert.ErrorIs(t, err, imageio.ErrInvalidRLE)

	_, err = imageio.DecodeRLE([]int{5, 3}, 3, 2)
	assert.ErrorIs(t, err, imageio.ErrInvalidRLE)

	_, err = imageio.DecodeRLE([]int{0, 1}, 3, 2)
	assert.ErrorIs(t, err, imageio.ErrInvalidRLE)
}

func TestParseFormatRLE(t *testing.T) {
	assert.Equal(t, "1 2 5 1", imageio.FormatRLE([]int{1, 2, 5, 1}))

	rle, err := imageio.ParseRLE(" 1 2  5 1\n")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 5, 1}, rle)

	_, err = imageio.ParseRLE("1 x")
	assert.ErrorIs(t, err, imageio.ErrInvalidRLE)
}

func TestReadWriteRLE(t *testing.T) {
	rles := map[string][]int{
		"0486052bb": {1, 2, 5, 1},
		"095bf7a1f": {3, 10},
	}

	var buf bytes.Buffer
	require.NoError(t, imageio.WriteRLE(&buf, []string{"0486052bb", "095bf7a1f"}, rles))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,encoding", lines[0])
	assert.Equal(t, "0486052bb,1 2 5 1", lines[1])

	got, err := imageio.ReadRLE(&buf)
	require.NoError(t, err)
	assert.Equal(t, rles, got)

	_, err = imageio.ReadRLE(strings.NewReader("name,value\na,1\n"))
	assert.Error(t, err)
}
