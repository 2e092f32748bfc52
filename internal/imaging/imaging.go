// Package imaging decodes uploaded images and measures the photometric
// properties of a face crop that the detector does not report.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/face-identity/internal/face"
)

// maxAnalysisSide bounds the crop size used for the sharpness measure.
const maxAnalysisSide = 256

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image data")

// Decode decodes any registered image format.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// Crop returns the part of img covered by box, clamped to the image bounds.
// It returns nil when the box does not overlap the image.
func Crop(img image.Image, box face.BBox) *image.Gray {
	b := img.Bounds()
	r := image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])).Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil
	}

	gray := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(gray, gray.Bounds(), img, r.Min, draw.Src)
	return gray
}

// Brightness returns the mean luma (0..255) of the crop.
func Brightness(g *image.Gray) float64 {
	if g == nil || len(g.Pix) == 0 {
		return face.Unmeasured
	}
	w, h := g.Rect.Dx(), g.Rect.Dy()
	var sum float64
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, p := range row {
			sum += float64(p)
		}
	}
	return sum / float64(w*h)
}

// Sharpness returns the variance of the 4-neighbour Laplacian of the crop.
// Large crops are downscaled first so the measure is comparable across sizes.
func Sharpness(g *image.Gray) float64 {
	if g == nil {
		return face.Unmeasured
	}
	g = shrink(g, maxAnalysisSide)

	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return face.Unmeasured
	}

	at := func(x, y int) float64 { return float64(g.Pix[y*g.Stride+x]) }

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// shrink scales g so that its longer side is at most maxSide.
func shrink(g *image.Gray, maxSide int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w <= maxSide && h <= maxSide {
		return g
	}

	var nw, nh int
	if w > h {
		nw = maxSide
		nh = max(1, h*maxSide/w)
	} else {
		nh = maxSide
		nw = max(1, w*maxSide/h)
	}
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

// Measure fills in brightness and sharpness for observations whose detector
// did not report them, and records the image dimensions.
func Measure(img image.Image, obs []face.Observation) {
	b := img.Bounds()
	for i := range obs {
		o := &obs[i]
		if o.ImageWidth == 0 {
			o.ImageWidth, o.ImageHeight = b.Dx(), b.Dy()
		}
		if o.Brightness >= 0 && o.Sharpness >= 0 {
			continue
		}
		crop := Crop(img, o.BBox)
		if o.Brightness < 0 {
			o.Brightness = Brightness(crop)
		}
		if o.Sharpness < 0 {
			o.Sharpness = Sharpness(crop)
		}
	}
}
