// Package imageproc turns encoded images into pixel values for vision
// models.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	"io"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

var kernels = map[int]draw.Interpolator{
	ResizeBilinear:        draw.BiLinear,
	ResizeNearestNeighbor: draw.NearestNeighbor,
	ResizeApproxBilinear:  draw.ApproxBiLinear,
	ResizeCatmullrom:      draw.CatmullRom,
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) (image.Image, error) {
	kernel, ok := kernels[method]
	if !ok {
		return nil, fmt.Errorf("imageproc: unknown resize method %d", method)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst, nil
}

// Normalize returns the channels of img rescaled to [0, 1] and then
// normalized per channel. Values are laid out channel by channel, each
// channel row by row, which is the [width, height, channels] tensor layout.
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	s := make([]float32, 3*n)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for c, v := range [3]uint32{r, g, b} {
				s[c*n+i] = (float32(v>>8)/255 - mean[c]) / std[c]
			}
			i++
		}
	}

	return s
}

type Options struct {
	// Size is the edge length of the square the image is resized to.
	Size int

	Mean, STD [3]float32

	// Method is one of the Resize constants.
	Method int
}

// Load decodes an image and returns its pixel values, ready to be shaped
// [Size, Size, 3, 1].
func Load(r io.Reader, opts Options) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	if opts.Size < 1 {
		return nil, fmt.Errorf("imageproc: invalid image size %d", opts.Size)
	}

	img, err = Resize(Composite(img), image.Point{opts.Size, opts.Size}, opts.Method)
	if err != nil {
		return nil, err
	}

	return Normalize(img, opts.Mean, opts.STD), nil
}
