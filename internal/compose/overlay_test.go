package compose

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/landmarks"
	"github.com/andresmejia3/veil/internal/types"
)

func kp(x, y float64) types.Keypoint { return types.Keypoint{X: x, Y: y} }

func anchorTri(lx, ly, rx, ry, nx, ny float64) landmarks.Triangle {
	return landmarks.Triangle{LeftEye: kp(lx, ly), RightEye: kp(rx, ry), Nose: kp(nx, ny)}
}

// uniformOverlay builds an NRGBA asset with one color and alpha everywhere.
func uniformOverlay(t *testing.T, w, h int, c color.NRGBA) *Overlay {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	o, err := NewOverlay(img)
	require.NoError(t, err)
	return o
}

func TestSolveAffineRoundTrip(t *testing.T) {
	src := anchorTri(10, 10, 50, 12, 30, 40)
	dst := anchorTri(100, 90, 180, 95, 140, 160)

	m, ok := solveAffine(src, dst)
	require.True(t, ok)

	check := func(s, d types.Keypoint) {
		x, y := m.apply(s.X, s.Y)
		assert.InDelta(t, d.X, x, 1e-9)
		assert.InDelta(t, d.Y, y, 1e-9)
	}
	check(src.LeftEye, dst.LeftEye)
	check(src.RightEye, dst.RightEye)
	check(src.Nose, dst.Nose)

	inv, ok := m.invert()
	require.True(t, ok)
	x, y := inv.apply(dst.Nose.X, dst.Nose.Y)
	assert.InDelta(t, src.Nose.X, x, 1e-9)
	assert.InDelta(t, src.Nose.Y, y, 1e-9)
}

func TestSolveAffineRejectsDegenerateTriangles(t *testing.T) {
	good := anchorTri(10, 10, 50, 10, 30, 40)

	// Collinear destination anchors.
	flat := anchorTri(5, 5, 10, 10, 15, 15)
	_, ok := solveAffine(good, flat)
	assert.False(t, ok)

	// Collinear source anchors.
	_, ok = solveAffine(flat, good)
	assert.False(t, ok)

	// Two coincident points are degenerate as well.
	dup := anchorTri(5, 5, 5, 5, 15, 25)
	_, ok = solveAffine(good, dup)
	assert.False(t, ok)
}

func TestNewOverlayTemplateAnchors(t *testing.T) {
	o := uniformOverlay(t, 100, 80, color.NRGBA{R: 1, G: 2, B: 3, A: 4})

	src := o.SourceTriangle()
	assert.Equal(t, kp(33, 28), src.LeftEye)  // int(0.33*100), int(0.36*80)
	assert.Equal(t, kp(67, 28), src.RightEye) // int(0.67*100), int(0.36*80)
	assert.Equal(t, kp(50, 36), src.Nose)     // int(0.50*100), int(0.46*80)
}

func TestNewOverlayRejectsImagesWithoutAlpha(t *testing.T) {
	_, err := NewOverlay(image.NewGray(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")

	_, err = NewOverlay(image.NewYCbCr(image.Rect(0, 0, 10, 10), image.YCbCrSubsampleRatio420))
	assert.Error(t, err)
}

func TestNewOverlayRejectsTinyAssets(t *testing.T) {
	_, err := NewOverlay(image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	assert.Error(t, err)
}

func TestRenderIdentityPlacement(t *testing.T) {
	o := uniformOverlay(t, 20, 16, color.NRGBA{R: 250, G: 40, B: 0, A: 128})
	frame := uniformFrame(20, 16, 100, 100, 100)

	ok := o.Render(frame, o.SourceTriangle())
	require.True(t, ok)

	// Straight alpha blend at weight 128/255 against gray 100.
	w := 128.0 / 255.0
	wantR := uint8(100*(1-w) + 250*w + 0.5)
	wantG := uint8(100*(1-w) + 40*w + 0.5)
	wantB := uint8(100*(1-w) + 0*w + 0.5)
	for i := 0; i < len(frame.Pix); i += 4 {
		require.Equal(t, wantR, frame.Pix[i])
		require.Equal(t, wantG, frame.Pix[i+1])
		require.Equal(t, wantB, frame.Pix[i+2])
		require.Equal(t, uint8(255), frame.Pix[i+3], "alpha channel must stay opaque")
	}
}

func TestRenderTranslatedPlacement(t *testing.T) {
	o := uniformOverlay(t, 20, 16, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	frame := uniformFrame(60, 40, 0, 0, 0)

	src := o.SourceTriangle()
	dst := anchorTri(
		src.LeftEye.X+25, src.LeftEye.Y+10,
		src.RightEye.X+25, src.RightEye.Y+10,
		src.Nose.X+25, src.Nose.Y+10,
	)
	require.True(t, o.Render(frame, dst))

	// The warp is a pure integer translation of the 20x16 asset to (25,10).
	inside := frame.Pix[(12*60+30)*4]
	assert.Equal(t, uint8(200), inside)
	outside := frame.Pix[(5*60+10)*4]
	assert.Equal(t, uint8(0), outside, "pixels outside the warped asset must be untouched")
	farOutside := frame.Pix[(30*60+55)*4]
	assert.Equal(t, uint8(0), farOutside)
}

func TestRenderFullyTransparentAssetIsNoop(t *testing.T) {
	o := uniformOverlay(t, 20, 16, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
	frame := newTestFrame(20, 16)
	want := cloneRGBA(frame)

	require.True(t, o.Render(frame, o.SourceTriangle()))
	assert.True(t, bytes.Equal(want.Pix, frame.Pix), "alpha 0 everywhere must leave the frame byte-identical")
}

func TestRenderDegenerateDestinationSkips(t *testing.T) {
	o := uniformOverlay(t, 20, 16, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
	frame := newTestFrame(20, 16)
	want := cloneRGBA(frame)

	ok := o.Render(frame, anchorTri(5, 5, 10, 10, 15, 15))
	assert.False(t, ok)
	assert.True(t, bytes.Equal(want.Pix, frame.Pix), "a skipped render must not touch the frame")
}
