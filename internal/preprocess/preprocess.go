// Package preprocess converts captured frames into the fixed input
// layout the generation engine expects: nearest-neighbor resize to the
// model's input shape and a contiguous packed-RGB byte buffer.
package preprocess

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// ToFrame renders img into a height x width packed RGB buffer (3 bytes
// per pixel, row-major), scaling with nearest-neighbor.
func ToFrame(img image.Image, height, width int) []byte {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	out := make([]byte, height*width*3)
	i := 0
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			out[i] = row[x*4]
			out[i+1] = row[x*4+1]
			out[i+2] = row[x*4+2]
			i += 3
		}
	}
	return out
}
