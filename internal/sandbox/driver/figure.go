package driver

import (
	"image"
	"image/color"
	"image/draw"
)

// drawOp is one primitive recorded against a FigureHandle. The Driver
// renders the accumulated ops to a tight-bounding-box canvas when the
// figure is captured at the end of a command.
type drawOp struct {
	x, y, w, h float64
	c          color.Color
}

// FigureHandle is the in-VM object a snippet's code builds raster output
// against. It is exposed to goja as the global constructor "Figure" and is
// tracked by the Driver's open-figure list from the moment it is
// constructed until the command finishes, at which point every still-open
// figure is rendered and closed.
type FigureHandle struct {
	id  int
	ops []drawOp
}

// Rect records a filled rectangle in figure-local coordinates. It returns
// the receiver so snippets can chain calls.
func (f *FigureHandle) Rect(x, y, w, h float64) *FigureHandle {
	f.ops = append(f.ops, drawOp{x: x, y: y, w: w, h: h, c: color.Black})
	return f
}

// render rasterizes the figure's accumulated ops onto a canvas sized to
// their tight bounding box, approximating a 150 DPI raster export.
func (f *FigureHandle) render() image.Image {
	minX, minY, maxX, maxY := 0.0, 0.0, 1.0, 1.0
	for i, op := range f.ops {
		x0, y0, x1, y1 := op.x, op.y, op.x+op.w, op.y+op.h
		if i == 0 {
			minX, minY, maxX, maxY = x0, y0, x1, y1
			continue
		}
		minX, minY = minFloat(minX, x0), minFloat(minY, y0)
		maxX, maxY = maxFloat(maxX, x1), maxFloat(maxY, y1)
	}

	const dpiScale = 150.0 / 72.0
	w := int((maxX - minX) * dpiScale)
	h := int((maxY - minY) * dpiScale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	for _, op := range f.ops {
		rect := image.Rect(
			int((op.x-minX)*dpiScale),
			int((op.y-minY)*dpiScale),
			int((op.x+op.w-minX)*dpiScale),
			int((op.y+op.h-minY)*dpiScale),
		)
		draw.Draw(canvas, rect, &image.Uniform{C: op.c}, image.Point{}, draw.Src)
	}
	return canvas
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// PlotHandle is the in-VM object representing a live interactive plot.
// Unlike FigureHandle, it is not tracked at construction time: the Driver
// discovers PlotHandle values still bound in the environment at the end of
// a command by walking the global object's own properties, so a plot bound
// there (for example by a top-level var) is found; a plot reachable only
// through a local binding or a nested object is not.
type PlotHandle struct {
	id     int
	title  string
	traces []string
}

// Trace appends a named data series label to the plot. Real trace data
// isn't modeled; only enough structure exists to produce a distinguishable
// HTML fragment per plot.
func (p *PlotHandle) Trace(name string) *PlotHandle {
	p.traces = append(p.traces, name)
	return p
}

// ImageHandle wraps an already-encoded raster image a snippet constructed
// or loaded by some other means, to be normalized and emitted exactly once
// Like PlotHandle, it is discovered by scanning the environment
// rather than tracked at construction.
type ImageHandle struct {
	id  int
	png []byte
}
