package imghash

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int, reverse bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(x * 255 / (w - 1))
			if reverse {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &buf
}

func TestGradients(t *testing.T) {
	rising := FromImage(gradient(90, 80, false))
	falling := FromImage(gradient(90, 80, true))

	assert.Equal(t, Hash(0), rising, "brightness never drops left to right")
	assert.Equal(t, Hash(^uint64(0)), falling)
	assert.Equal(t, 64, Distance(rising, falling))
}

func TestScaledCopyIsNearDuplicate(t *testing.T) {
	big, err := Compute(encode(t, gradient(400, 300, true)))
	require.NoError(t, err)
	small, err := Compute(encode(t, gradient(40, 30, true)))
	require.NoError(t, err)
	assert.LessOrEqual(t, Distance(big, small), 4)
}

func TestComputeRejectsGarbage(t *testing.T) {
	_, err := Compute(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestStringParse(t *testing.T) {
	h := Hash(0xdeadbeef)
	assert.Equal(t, "00000000deadbeef", h.String())

	parsed, err := Parse(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = Parse("xyz")
	assert.Error(t, err)
}
