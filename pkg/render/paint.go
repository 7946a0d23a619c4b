package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/silviot/surveillx_live_view_go/pkg/overlay"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// KeypointThreshold is the minimum confidence for a keypoint to be drawn
const KeypointThreshold = 0.3

// Skeleton is the COCO 17-keypoint bone list
var Skeleton = [][2]int{
	{0, 1}, {0, 2}, {1, 3}, {2, 4},
	{5, 6}, {5, 7}, {7, 9}, {6, 8}, {8, 10},
	{5, 11}, {6, 12}, {11, 12},
	{11, 13}, {13, 15}, {12, 14}, {14, 16},
}

var (
	colorRecognized = color.RGBA{0x00, 0xc8, 0x53, 0xff}
	colorUnknown    = color.RGBA{0xe5, 0x39, 0x35, 0xff}
	colorLabelText  = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorSkeleton   = color.RGBA{0x00, 0xb0, 0xff, 0xff}
	colorKeypoint   = color.RGBA{0xff, 0xeb, 0x3b, 0xff}
	colorPersonBox  = color.RGBA{0x00, 0xb0, 0xff, 0xc0}

	colorAmber = color.RGBA{0xff, 0xa0, 0x00, 0xff}
	colorRed   = color.RGBA{0xd5, 0x00, 0x00, 0xff}
	colorGreen = color.RGBA{0x2e, 0x7d, 0x32, 0xff}
	colorGrey  = color.RGBA{0x75, 0x75, 0x75, 0xff}
)

// activityColors maps an activity type to its badge colour
var activityColors = map[string]color.RGBA{
	"normal":    colorGreen,
	"running":   colorAmber,
	"loitering": colorAmber,
	"fighting":  colorRed,
	"falling":   colorRed,
}

// ActivityColor returns the badge colour for an activity type
func ActivityColor(activity string) color.RGBA {
	if c, ok := activityColors[strings.ToLower(activity)]; ok {
		return c
	}
	return colorGrey
}

const (
	lineWidth    = 2
	keypointSize = 4
	labelPadding = 4
	badgeMargin  = 10
	dashLength   = 8
	gapLength    = 6
)

// Painter composites an overlay onto a frame bitmap
type Painter struct {
	face font.Face
}

// NewPainter creates a painter using the built-in bitmap font
func NewPainter() *Painter {
	return &Painter{face: basicfont.Face7x13}
}

// Paint draws faces, poses and the activity badge in that order
func (p *Painter) Paint(dst *image.RGBA, st overlay.State) {
	for _, f := range st.Faces {
		p.paintFace(dst, f)
	}
	if len(st.Persons) > 0 {
		b := dst.Bounds()
		z := vector.NewRasterizer(b.Dx(), b.Dy())
		for _, person := range st.Persons {
			p.paintPerson(dst, z, person)
		}
	}
	if !st.IsNormal() {
		p.paintBadge(dst, st.ActivityType, st.ActivityDescription)
	}
}

// FaceLabel formats the text drawn above a face box
func FaceLabel(f overlay.Face) string {
	pct := f.Confidence
	if pct <= 1 {
		pct *= 100
	}
	return fmt.Sprintf("%s (%d%%)", f.Name, int(math.Round(pct)))
}

func (p *Painter) paintFace(dst *image.RGBA, f overlay.Face) {
	c := colorUnknown
	if f.Recognized {
		c = colorRecognized
	}

	r := pixelRect(f.Left, f.Top, f.Right, f.Bottom)
	strokeRect(dst, r, c, lineWidth)

	label := FaceLabel(f)
	textWidth := font.MeasureString(p.face, label).Ceil()
	metrics := p.face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	// Label sits above the box, or inside it when the box touches the top
	top := r.Min.Y - textHeight - 2*labelPadding
	if top < 0 {
		top = r.Min.Y
	}
	bg := image.Rect(r.Min.X, top, r.Min.X+textWidth+2*labelPadding, top+textHeight+2*labelPadding)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)

	p.drawText(dst, label, bg.Min.X+labelPadding, bg.Min.Y+labelPadding+metrics.Ascent.Ceil(), colorLabelText)
}

// EdgeVisible reports whether a bone between keypoints i and j is drawn
func EdgeVisible(person stream.Person, i, j int) bool {
	return keypointVisible(person, i) && keypointVisible(person, j)
}

func keypointVisible(person stream.Person, i int) bool {
	if i >= len(person.Confidences) || i >= len(person.Keypoints) {
		return false
	}
	return person.Confidences[i] > KeypointThreshold && len(person.Keypoints[i]) >= 2
}

// VisibleEdges returns the bones that pass the confidence threshold
func VisibleEdges(person stream.Person) [][2]int {
	var edges [][2]int
	for _, bone := range Skeleton {
		if EdgeVisible(person, bone[0], bone[1]) {
			edges = append(edges, bone)
		}
	}
	return edges
}

// paintPerson draws one pose with z, which is reset before each use
func (p *Painter) paintPerson(dst *image.RGBA, z *vector.Rasterizer, person stream.Person) {
	b := dst.Bounds()

	lines := 0
	z.Reset(b.Dx(), b.Dy())
	for _, e := range VisibleEdges(person) {
		a, c := person.Keypoints[e[0]], person.Keypoints[e[1]]
		if !onCanvas(b, a) || !onCanvas(b, c) {
			continue
		}
		addLine(z, float32(a[0]), float32(a[1]), float32(c[0]), float32(c[1]), lineWidth)
		lines++
	}
	if lines > 0 {
		z.Draw(dst, b, image.NewUniform(colorSkeleton), image.Point{})
	}

	dots := 0
	z.Reset(b.Dx(), b.Dy())
	for i := range person.Keypoints {
		if !keypointVisible(person, i) || !onCanvas(b, person.Keypoints[i]) {
			continue
		}
		kp := person.Keypoints[i]
		addDot(z, float32(kp[0]), float32(kp[1]), keypointSize/2)
		dots++
	}
	if dots > 0 {
		z.Draw(dst, b, image.NewUniform(colorKeypoint), image.Point{})
	}

	if len(person.BBox) >= 4 {
		r := pixelRect(person.BBox[0], person.BBox[1], person.BBox[2], person.BBox[3])
		dashedRect(dst, r, colorPersonBox)
	}
}

// maxCoord bounds detection coordinates before they become pixel indices
const maxCoord = 1 << 20

func clampCoord(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v > maxCoord:
		return maxCoord
	case v < -maxCoord:
		return -maxCoord
	}
	return int(v)
}

// pixelRect converts a left, top, right, bottom box into a clamped rectangle
func pixelRect(left, top, right, bottom float64) image.Rectangle {
	return image.Rect(clampCoord(left), clampCoord(top), clampCoord(right), clampCoord(bottom))
}

// onCanvas reports whether a keypoint lies within one frame size of b.
// Points further out are detector noise and would only cost rasterizer time.
func onCanvas(b image.Rectangle, kp []float64) bool {
	x, y := kp[0], kp[1]
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	w, h := float64(b.Dx()), float64(b.Dy())
	return x >= float64(b.Min.X)-w && x <= float64(b.Max.X)+w &&
		y >= float64(b.Min.Y)-h && y <= float64(b.Max.Y)+h
}

func (p *Painter) paintBadge(dst *image.RGBA, activity, description string) {
	text := strings.ToUpper(activity)
	if description != "" {
		text += ": " + description
	}

	metrics := p.face.Metrics()
	textWidth := font.MeasureString(p.face, text).Ceil()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	b := dst.Bounds()
	w := textWidth + 4*labelPadding
	h := textHeight + 2*labelPadding
	badge := image.Rect(b.Max.X-badgeMargin-w, b.Min.Y+badgeMargin, b.Max.X-badgeMargin, b.Min.Y+badgeMargin+h)

	draw.Draw(dst, badge.Intersect(b), image.NewUniform(ActivityColor(activity)), image.Point{}, draw.Over)
	p.drawText(dst, text, badge.Min.X+2*labelPadding, badge.Min.Y+labelPadding+metrics.Ascent.Ceil(), colorLabelText)
}

func (p *Painter) drawText(dst *image.RGBA, text string, x, y int, c color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: p.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// strokeRect draws a rectangle outline of the given width, clipped to dst
func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color, width int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Over)
	}
}

// dashedRect draws a one pixel dashed outline. Only the part of r inside
// dst is walked; dashes stay anchored to r's corner.
func dashedRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	r = r.Canon()
	visible := r.Intersect(dst.Bounds())
	if visible.Empty() {
		return
	}

	src := image.NewUniform(c)
	fill := func(e image.Rectangle) {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Over)
	}
	const period = dashLength + gapLength

	startX := r.Min.X + (visible.Min.X-r.Min.X)/period*period
	for x := startX; x < visible.Max.X; x += period {
		end := min(x+dashLength, r.Max.X)
		fill(image.Rect(x, r.Min.Y, end, r.Min.Y+1))
		fill(image.Rect(x, r.Max.Y-1, end, r.Max.Y))
	}
	startY := r.Min.Y + (visible.Min.Y-r.Min.Y)/period*period
	for y := startY; y < visible.Max.Y; y += period {
		end := min(y+dashLength, r.Max.Y)
		fill(image.Rect(r.Min.X, y, r.Min.X+1, end))
		fill(image.Rect(r.Max.X-1, y, r.Max.X, end))
	}
}

// addLine adds a thick segment as a closed quad
func addLine(z *vector.Rasterizer, x0, y0, x1, y1, width float32) {
	dx, dy := x1-x0, y1-y0
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	z.MoveTo(x0+nx, y0+ny)
	z.LineTo(x1+nx, y1+ny)
	z.LineTo(x1-nx, y1-ny)
	z.LineTo(x0-nx, y0-ny)
	z.ClosePath()
}

// addDot adds a filled circle approximated by a 16-gon
func addDot(z *vector.Rasterizer, cx, cy, radius float32) {
	const segments = 16
	for i := 0; i <= segments; i++ {
		a := 2 * math.Pi * float64(i) / segments
		x := cx + radius*float32(math.Cos(a))
		y := cy + radius*float32(math.Sin(a))
		if i == 0 {
			z.MoveTo(x, y)
		} else {
			z.LineTo(x, y)
		}
	}
	z.ClosePath()
}
