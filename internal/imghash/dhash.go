// Package imghash computes difference hashes of images so that importers can
// recognise the same picture under another name.
package imghash

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/bits"
	"strconv"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Hash is a 64 bit dHash: one bit per horizontal gradient of a 9x8 grey
// thumbnail.
type Hash uint64

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

func Parse(s string) (Hash, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("imghash: parse %q: %w", s, err)
	}
	return Hash(v), nil
}

// Distance is the number of differing bits. Near duplicates stay under 10.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

func Compute(r io.Reader) (Hash, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return 0, fmt.Errorf("imghash: decode: %w", err)
	}
	return FromImage(img), nil
}

func FromImage(img image.Image) Hash {
	thumb := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h Hash
	bit := 0
	for y := range 8 {
		for x := range 8 {
			if grey(thumb.At(x, y)) > grey(thumb.At(x+1, y)) {
				h |= 1 << bit
			}
			bit++
		}
	}
	return h
}

func grey(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}
