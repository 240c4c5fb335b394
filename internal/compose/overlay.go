package compose

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"github.com/andresmejia3/veil/internal/landmarks"
	"github.com/andresmejia3/veil/internal/types"
)

// Template anchor positions as fractions of the overlay asset's geometry.
// Assets are authored with the eyes on the upper third and the nose tip
// just below center.
const (
	anchorLeftEyeX  = 0.33
	anchorRightEyeX = 0.67
	anchorEyeY      = 0.36
	anchorNoseX     = 0.50
	anchorNoseY     = 0.46
)

// Overlay renders a semi-transparent image warped onto detected facial
// anchors. The decoded asset keeps straight (non-premultiplied) alpha.
type Overlay struct {
	img *image.NRGBA
	src landmarks.Triangle
}

// NewOverlay wraps a decoded overlay image. The image must carry an alpha
// channel; without one there is nothing to blend and every frame would be
// fully covered by the warped rectangle.
func NewOverlay(img image.Image) (*Overlay, error) {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64:
	default:
		return nil, fmt.Errorf("overlay image has no alpha channel")
	}

	b := img.Bounds()
	w := float64(b.Dx())
	h := float64(b.Dy())
	src := landmarks.Triangle{
		LeftEye:  types.Keypoint{X: float64(int(anchorLeftEyeX * w)), Y: float64(int(anchorEyeY * h))},
		RightEye: types.Keypoint{X: float64(int(anchorRightEyeX * w)), Y: float64(int(anchorEyeY * h))},
		Nose:     types.Keypoint{X: float64(int(anchorNoseX * w)), Y: float64(int(anchorNoseY * h))},
	}

	// Tiny assets collapse the anchors onto a line and can never be warped.
	area := (src.RightEye.X-src.LeftEye.X)*(src.Nose.Y-src.LeftEye.Y) -
		(src.Nose.X-src.LeftEye.X)*(src.RightEye.Y-src.LeftEye.Y)
	if math.Abs(area) < MinAffineDeterminant {
		return nil, fmt.Errorf("overlay image is too small to carry anchor points (%dx%d)", b.Dx(), b.Dy())
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)

	return &Overlay{img: nrgba, src: src}, nil
}

// LoadOverlay reads and validates the overlay asset from disk.
func LoadOverlay(path string) (*Overlay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open overlay image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode overlay image: %w", err)
	}
	return NewOverlay(img)
}

// SourceTriangle returns the template anchors in asset coordinates.
func (o *Overlay) SourceTriangle() landmarks.Triangle { return o.src }

// Render warps the overlay so its template anchors land on dst and alpha
// blends the result over the frame in place. It returns false, leaving the
// frame untouched, when the destination triangle is degenerate.
func (o *Overlay) Render(frame *image.RGBA, dst landmarks.Triangle) bool {
	fwd, ok := solveAffine(o.src, dst)
	if !ok {
		return false
	}
	inv, ok := fwd.invert()
	if !ok {
		return false
	}

	fw := frame.Rect.Dx()
	fh := frame.Rect.Dy()

	// Only walk the frame region the warped asset can reach.
	minX, minY, maxX, maxY := warpedBounds(fwd, o.img.Rect.Dx(), o.img.Rect.Dy(), fw, fh)

	pix := frame.Pix
	stride := frame.Stride
	for y := minY; y < maxY; y++ {
		rowStart := y * stride
		fy := float64(y)
		for x := minX; x < maxX; x++ {
			sx, sy := inv.apply(float64(x), fy)
			r, g, b, a := o.sample(sx, sy)
			if a == 0 {
				continue
			}
			weight := a / 255
			off := rowStart + x*4
			pix[off] = blend(pix[off], r, weight)
			pix[off+1] = blend(pix[off+1], g, weight)
			pix[off+2] = blend(pix[off+2], b, weight)
		}
	}
	return true
}

// warpedBounds maps the asset rectangle through the forward transform and
// clips its (slightly padded) bounding box to the frame.
func warpedBounds(t affine, srcW, srcH, frameW, frameH int) (minX, minY, maxX, maxY int) {
	corners := [4][2]float64{
		{0, 0},
		{float64(srcW), 0},
		{0, float64(srcH)},
		{float64(srcW), float64(srcH)},
	}
	lox, loy := math.Inf(1), math.Inf(1)
	hix, hiy := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y := t.apply(c[0], c[1])
		lox = math.Min(lox, x)
		loy = math.Min(loy, y)
		hix = math.Max(hix, x)
		hiy = math.Max(hiy, y)
	}

	// One pixel of margin for the bilinear footprint.
	minX = int(math.Floor(lox)) - 1
	minY = int(math.Floor(loy)) - 1
	maxX = int(math.Ceil(hix)) + 1
	maxY = int(math.Ceil(hiy)) + 1
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX > frameW {
		maxX = frameW
	}
	if maxY > frameH {
		maxY = frameH
	}
	return minX, minY, maxX, maxY
}

// sample bilinearly reads the asset at a fractional position. Taps outside
// the asset count as fully transparent, so warped edges fade out instead of
// smearing the border pixels.
func (o *Overlay) sample(x, y float64) (r, g, b, a float64) {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	taps := [4]struct {
		x, y int
		w    float64
	}{
		{x0, y0, (1 - fx) * (1 - fy)},
		{x0 + 1, y0, fx * (1 - fy)},
		{x0, y0 + 1, (1 - fx) * fy},
		{x0 + 1, y0 + 1, fx * fy},
	}

	w := o.img.Rect.Dx()
	h := o.img.Rect.Dy()
	for _, tp := range taps {
		if tp.w == 0 || tp.x < 0 || tp.y < 0 || tp.x >= w || tp.y >= h {
			continue
		}
		off := tp.y*o.img.Stride + tp.x*4
		r += tp.w * float64(o.img.Pix[off])
		g += tp.w * float64(o.img.Pix[off+1])
		b += tp.w * float64(o.img.Pix[off+2])
		a += tp.w * float64(o.img.Pix[off+3])
	}
	return r, g, b, a
}

// blend mixes one channel: base*(1-weight) + over*weight, rounded.
func blend(base uint8, over, weight float64) uint8 {
	v := float64(base)*(1-weight) + over*weight
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}
