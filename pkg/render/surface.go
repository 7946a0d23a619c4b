package render

import (
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality is used for snapshots
const DefaultJPEGQuality = 85

// Surface is the single display target. It holds exactly one composited
// bitmap, replaced wholesale on every draw.
type Surface struct {
	mu        sync.RWMutex
	img       *image.RGBA
	draws     int64
	updatedAt time.Time
}

// NewSurface creates an empty surface
func NewSurface() *Surface {
	return &Surface{}
}

// Present replaces the displayed bitmap. The surface takes ownership of img.
func (s *Surface) Present(img *image.RGBA) {
	s.mu.Lock()
	s.img = img
	s.draws++
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Size returns the current resolution, zero before the first draw
func (s *Surface) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return 0, 0
	}
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Draws returns how many bitmaps have been presented
func (s *Surface) Draws() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draws
}

// Snapshot returns a copy of the displayed bitmap, or nil before the first draw
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return nil
	}
	dst := image.NewRGBA(s.img.Bounds())
	draw.Copy(dst, dst.Bounds().Min, s.img, s.img.Bounds(), draw.Src, nil)
	return dst
}

// WriteJPEG encodes the displayed bitmap. ok is false before the first draw.
func (s *Surface) WriteJPEG(w io.Writer, quality int) (bool, error) {
	img := s.Snapshot()
	if img == nil {
		return false, nil
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return true, jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// compose copies src into a new RGBA bitmap at its native resolution
func compose(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
	return dst
}
