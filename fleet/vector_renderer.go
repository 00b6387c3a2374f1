package fleet

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws the same view as LiveRenderer with tdewolff/canvas.
// Canvas units are millimetres; Scale converts meters to canvas units.
type VectorRenderer struct {
	Scale       float64           // Canvas units per meter (default 100)
	Padding     float64           // Padding in canvas units
	GridSpacing float64           // Grid line spacing in meters
	Resolution  canvas.Resolution // Resolution for PNG output
}

// NewVectorRenderer returns a renderer with default settings.
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		Scale:       100,
		Padding:     20,
		GridSpacing: 1,
		Resolution:  canvas.DPI(50),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) size(sc scene) (float64, float64) {
	width := (sc.bound.Max[0]-sc.bound.Min[0])*r.Scale + 2*r.Padding
	height := (sc.bound.Max[1]-sc.bound.Min[1])*r.Scale + 2*r.Padding
	return width, height
}

// RenderToSVG writes the snapshot as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, s Snapshot) error {
	sc := buildScene(s)
	width, height := r.size(sc)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, sc, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the snapshot as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer, s Snapshot) error {
	sc := buildScene(s)
	width, height := r.size(sc)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, sc, width, height)
	return png.Encode(w, rast)
}

// renderToCanvas draws the scene (shared logic for SVG and PNG). Canvas y
// grows upward like world y, so no flip is needed.
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, sc scene, width, height float64) {
	toCanvas := func(x, y float64) (float64, float64) {
		return (x-sc.bound.Min[0])*r.Scale + r.Padding, (y-sc.bound.Min[1])*r.Scale + r.Padding
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: color.RGBA{220, 220, 220, 255}}
		gridStyle.StrokeWidth = 0.5

		b := sc.bound
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(x, b.Min[1]))
			p.LineTo(toCanvas(x, b.Max[1]))
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(b.Min[0], y))
			p.LineTo(toCanvas(b.Max[0], y))
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
	}

	if sc.arena != nil {
		arenaStyle := canvas.DefaultStyle
		arenaStyle.Fill = canvas.Paint{Color: color.RGBA{245, 245, 245, 255}}
		arenaStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		arenaStyle.StrokeWidth = 1.5

		p := &canvas.Path{}
		for i, pt := range sc.arena.polygon[0] {
			if i == 0 {
				p.MoveTo(toCanvas(pt[0], pt[1]))
			} else {
				p.LineTo(toCanvas(pt[0], pt[1]))
			}
		}
		p.Close()
		renderer.RenderPath(p, arenaStyle, canvas.Identity)
	}

	radius := math.Max(DefaultRadius*r.Scale, 3)
	for _, m := range sc.markers {
		if m.start != nil {
			startStyle := canvas.DefaultStyle
			startStyle.Fill = canvas.Paint{Color: fade(m.color)}
			startStyle.Stroke = canvas.Paint{Color: m.color}
			startStyle.StrokeWidth = 1.0

			side := radius * 1.2
			cx, cy := toCanvas(m.start.X, m.start.Y)
			renderer.RenderPath(canvas.Rectangle(side, side).Translate(cx-side/2, cy-side/2), startStyle, canvas.Identity)
		}
		if m.pos == nil {
			continue
		}

		robotStyle := canvas.DefaultStyle
		robotStyle.Stroke = canvas.Paint{Color: m.color}
		robotStyle.StrokeWidth = 2.0
		if m.missing {
			robotStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		} else {
			robotStyle.Fill = canvas.Paint{Color: m.color}
			robotStyle.Stroke = canvas.Paint{Color: canvas.Black}
		}

		cx, cy := toCanvas(m.pos.X, m.pos.Y)
		renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), robotStyle, canvas.Identity)
	}
}
