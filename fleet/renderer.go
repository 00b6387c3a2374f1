package fleet

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultSlotColors is used for robots without a configured colour.
var DefaultSlotColors = []string{
	"#FF6B6B", "#4D96FF", "#6BCB77", "#FFD93D", "#9B5DE5",
	"#F15BB5", "#00BBF9", "#FF9F1C", "#2EC4B6",
}

// marker is one robot as drawn: positions are in reference space.
type marker struct {
	label   string
	color   color.RGBA
	start   *r3.Vec
	pos     *r3.Vec
	missing bool
}

// scene is the renderer-independent content of a Snapshot.
type scene struct {
	markers []marker
	arena   *Arena
	bound   orb.Bound
	status  Status
}

// buildScene moves live positions into reference space (when calibrated)
// and computes a padded bounding box over everything drawn.
func buildScene(s Snapshot) scene {
	var offset r3.Vec
	if s.Calibration != nil {
		offset = s.Calibration.Offset.R3()
	}

	sc := scene{arena: s.Arena, status: s.Status, markers: make([]marker, len(s.Slots))}
	var points []r3.Vec
	for i, slot := range s.Slots {
		hex := slot.Color
		if hex == "" {
			hex = DefaultSlotColors[i%len(DefaultSlotColors)]
		}
		m := marker{label: fmt.Sprintf("%d %s", slot.Slot, slot.ID), color: parseHexColor(hex)}

		if i < len(s.Starts) && s.Starts[i] != nil {
			p := s.Starts[i].R3()
			m.start = &p
			points = append(points, p)
		}

		var live *Vec3
		if s.Assignment != nil && i < len(s.Assignment.Slots) {
			sp := s.Assignment.Slots[i]
			live, m.missing = sp.Position, sp.Missing
		}
		if live == nil && i < len(s.LastSeen) && s.LastSeen[i] != nil {
			live, m.missing = s.LastSeen[i], true
		}
		if live != nil {
			p := r3.Add(live.R3(), offset)
			m.pos = &p
			points = append(points, p)
		}
		sc.markers[i] = m
	}

	bound := bounds(points)
	if len(points) == 0 {
		bound = orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	}
	if s.Arena != nil {
		bound = bound.Union(s.Arena.Bound())
	}
	sc.bound = bound.Pad(0.5)
	return sc
}

// LiveRenderer draws a top-down raster view of the rig.
type LiveRenderer struct {
	Scale       float64 // Pixels per meter
	Padding     int     // Padding around the image
	GridSpacing float64 // Grid line spacing in meters
}

// NewLiveRenderer returns a renderer with the default scale.
func NewLiveRenderer() *LiveRenderer {
	return &LiveRenderer{Scale: 100, Padding: 20, GridSpacing: 1}
}

// Render draws the snapshot: grid, arena outline, start poses as squares,
// live robots as filled circles and missing robots as hollow circles at
// their last known position.
func (r *LiveRenderer) Render(s Snapshot) *image.RGBA {
	sc := buildScene(s)
	w := int(math.Ceil(sc.bound.Max[0]-sc.bound.Min[0])*r.Scale) + 2*r.Padding
	h := int(math.Ceil(sc.bound.Max[1]-sc.bound.Min[1])*r.Scale) + 2*r.Padding

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	// Image y grows downward; world y grows upward.
	toImage := func(x, y float64) (int, int) {
		ix := int((x-sc.bound.Min[0])*r.Scale) + r.Padding
		iy := h - (int((y-sc.bound.Min[1])*r.Scale) + r.Padding)
		return ix, iy
	}

	r.drawGrid(img, sc.bound, toImage)

	if sc.arena != nil {
		ring := sc.arena.polygon[0]
		for i := 1; i < len(ring); i++ {
			x0, y0 := toImage(ring[i-1][0], ring[i-1][1])
			x1, y1 := toImage(ring[i][0], ring[i][1])
			drawLine(img, x0, y0, x1, y1, color.RGBA{120, 120, 120, 255})
		}
	}

	radius := int(math.Max(4, DefaultRadius*r.Scale))
	for _, m := range sc.markers {
		if m.start != nil {
			x, y := toImage(m.start.X, m.start.Y)
			drawSquare(img, x, y, 10, fade(m.color))
		}
		if m.pos == nil {
			continue
		}
		x, y := toImage(m.pos.X, m.pos.Y)
		if m.missing {
			drawRing(img, x, y, radius, m.color)
		} else {
			drawCircle(img, x, y, radius, m.color)
		}
	}

	drawLegend(img, sc)
	return img
}

// WritePNG renders the snapshot and encodes it as PNG.
func (r *LiveRenderer) WritePNG(w io.Writer, s Snapshot) error {
	return png.Encode(w, r.Render(s))
}

func (r *LiveRenderer) drawGrid(img *image.RGBA, b orb.Bound, toImage func(x, y float64) (int, int)) {
	if r.GridSpacing <= 0 {
		return
	}
	grid := color.RGBA{230, 230, 230, 255}
	axis := color.RGBA{200, 200, 200, 255}
	for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
		x0, y0 := toImage(x, b.Min[1])
		x1, y1 := toImage(x, b.Max[1])
		c := grid
		if math.Abs(x) < 1e-9 {
			c = axis
		}
		drawLine(img, x0, y0, x1, y1, c)
	}
	for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
		x0, y0 := toImage(b.Min[0], y)
		x1, y1 := toImage(b.Max[0], y)
		c := grid
		if math.Abs(y) < 1e-9 {
			c = axis
		}
		drawLine(img, x0, y0, x1, y1, c)
	}
}

// drawLegend lists slots top-left and the coordinator state bottom-left.
func drawLegend(img *image.RGBA, sc scene) {
	black := color.RGBA{0, 0, 0, 255}
	y := 15
	for _, m := range sc.markers {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, m.color)
			}
		}
		label := m.label
		if m.missing {
			label += " (missing)"
		}
		drawText(img, 28, y, label, black)
		y += 18
	}

	status := fmt.Sprintf("%s | calibration %s (%d)", sc.status.Condition, sc.status.Phase, sc.status.Samples)
	drawText(img, 10, img.Bounds().Max.Y-8, status, black)
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawRing draws a two pixel circle outline
func drawRing(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	inner := (radius - 2) * (radius - 2)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d := dx*dx + dy*dy
			if d <= radius*radius && d >= inner {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawLine draws a line with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// fade lightens a colour for start pose markers.
func fade(c color.RGBA) color.RGBA {
	return color.RGBA{
		R: uint8((int(c.R) + 255) / 2),
		G: uint8((int(c.G) + 255) / 2),
		B: uint8((int(c.B) + 255) / 2),
		A: 255,
	}
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{255, 0, 0, 255}
	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
