// Package feature turns a detection's pixel region into a fixed-length
// appearance descriptor.
package feature

import (
	"image"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
)

// Descriptor is an L2-normalised colour histogram. Descriptors are compared by
// cosine similarity, never by equality.
type Descriptor []float64

// Extractor builds joint colour histograms over a crop resized to a canonical
// size so that boxes of different sizes produce comparable descriptors.
// An Extractor holds no mutable state and is safe for concurrent use.
type Extractor struct {
	// size is the canonical width and height every crop is scaled to
	size image.Point
	// bins is the number of histogram bins per colour channel
	bins int
	// scaler is the interpolation used for the resize
	scaler draw.Scaler
}

// NewExtractor returns an Extractor resizing crops to width x height and
// quantising each channel into bins bins. The descriptor length is bins^3.
func NewExtractor(width, height, bins int) *Extractor {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 128
	}
	if bins <= 0 || bins > 256 {
		bins = 8
	}
	return &Extractor{
		size:   image.Pt(width, height),
		bins:   bins,
		scaler: draw.BiLinear,
	}
}

// Len returns the length of every descriptor this Extractor produces.
func (e *Extractor) Len() int {
	return e.bins * e.bins * e.bins
}

// Extract computes the descriptor of box within frame. The box is in frame
// pixel coordinates and may extend past the frame; it is clamped first. When
// the clamped box is empty the whole frame is used instead.
func (e *Extractor) Extract(frame image.Image, box image.Rectangle) Descriptor {
	bounds := frame.Bounds()
	hist := make(Descriptor, e.Len())

	if bounds.Empty() {
		return hist
	}

	src := ClampBox(box, bounds.Dx(), bounds.Dy())
	if src.Empty() {
		src = image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	}
	src = src.Add(bounds.Min)

	crop := image.NewRGBA(image.Rectangle{Max: e.size})
	e.scaler.Scale(crop, crop.Bounds(), frame, src, draw.Src, nil)

	bins := e.bins
	for i := 0; i < len(crop.Pix); i += 4 {
		r := int(crop.Pix[i]) * bins / 256
		g := int(crop.Pix[i+1]) * bins / 256
		b := int(crop.Pix[i+2]) * bins / 256
		hist[(r*bins+g)*bins+b]++
	}

	if n := floats.Norm(hist, 2); n > 0 {
		floats.Scale(1/n, hist)
	}
	return hist
}

// ClampBox clips box to a width x height frame anchored at the origin.
// The top-left corner is kept strictly inside the frame, the bottom-right may
// sit on the far edge. The result is empty when the box has no area left.
func ClampBox(box image.Rectangle, width, height int) image.Rectangle {
	x1 := clamp(box.Min.X, 0, width-1)
	y1 := clamp(box.Min.Y, 0, height-1)
	x2 := clamp(box.Max.X, 0, width)
	y2 := clamp(box.Max.Y, 0, height)

	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}
	}
	return image.Rect(x1, y1, x2, y2)
}

// clamp restricts the value val to be within the range min and max
func clamp(val, min, max int) int {
	if val > min {
		if val < max {
			return val
		}
		return max
	}
	return min
}
