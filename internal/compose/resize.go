package compose

import (
	"image"
	"image/draw"

	"github.com/andresmejia3/veil/internal/types"
)

// resizeMask bilinearly resamples a soft mask to the target geometry.
// Sampling uses half-pixel centers so mask edges stay aligned with the
// frame content they were predicted on.
func resizeMask(m types.Mask, width, height int) []float32 {
	out := make([]float32, width*height)
	if m.Width == width && m.Height == height {
		copy(out, m.Data)
		return out
	}

	xRatio := float64(m.Width) / float64(width)
	yRatio := float64(m.Height) / float64(height)

	for y := 0; y < height; y++ {
		srcY := (float64(y)+0.5)*yRatio - 0.5
		if srcY < 0 {
			srcY = 0
		}
		y0 := int(srcY)
		if y0 > m.Height-1 {
			y0 = m.Height - 1
		}
		y1 := y0 + 1
		if y1 > m.Height-1 {
			y1 = m.Height - 1
		}
		fy := float32(srcY - float64(y0))

		for x := 0; x < width; x++ {
			srcX := (float64(x)+0.5)*xRatio - 0.5
			if srcX < 0 {
				srcX = 0
			}
			x0 := int(srcX)
			if x0 > m.Width-1 {
				x0 = m.Width - 1
			}
			x1 := x0 + 1
			if x1 > m.Width-1 {
				x1 = m.Width - 1
			}
			fx := float32(srcX - float64(x0))

			top := m.Data[y0*m.Width+x0]*(1-fx) + m.Data[y0*m.Width+x1]*fx
			bottom := m.Data[y1*m.Width+x0]*(1-fx) + m.Data[y1*m.Width+x1]*fx
			out[y*width+x] = top*(1-fy) + bottom*fy
		}
	}
	return out
}

// resizeRGBA bilinearly resamples src to width x height.
func resizeRGBA(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sw := src.Rect.Dx()
	sh := src.Rect.Dy()
	if sw == width && sh == height {
		copy(dst.Pix, src.Pix)
		return dst
	}

	xRatio := float64(sw) / float64(width)
	yRatio := float64(sh) / float64(height)

	for y := 0; y < height; y++ {
		srcY := (float64(y)+0.5)*yRatio - 0.5
		if srcY < 0 {
			srcY = 0
		}
		y0 := int(srcY)
		if y0 > sh-1 {
			y0 = sh - 1
		}
		y1 := y0 + 1
		if y1 > sh-1 {
			y1 = sh - 1
		}
		fy := float32(srcY - float64(y0))

		for x := 0; x < width; x++ {
			srcX := (float64(x)+0.5)*xRatio - 0.5
			if srcX < 0 {
				srcX = 0
			}
			x0 := int(srcX)
			if x0 > sw-1 {
				x0 = sw - 1
			}
			x1 := x0 + 1
			if x1 > sw-1 {
				x1 = sw - 1
			}
			fx := float32(srcX - float64(x0))

			dstOff := y*dst.Stride + x*4
			for c := 0; c < 4; c++ {
				p00 := float32(src.Pix[y0*src.Stride+x0*4+c])
				p10 := float32(src.Pix[y0*src.Stride+x1*4+c])
				p01 := float32(src.Pix[y1*src.Stride+x0*4+c])
				p11 := float32(src.Pix[y1*src.Stride+x1*4+c])
				top := p00*(1-fx) + p10*fx
				bottom := p01*(1-fx) + p11*fx
				dst.Pix[dstOff+c] = uint8(top*(1-fy) + bottom*fy + 0.5)
			}
		}
	}
	return dst
}

// toRGBA normalizes any decoded image to an origin-anchored RGBA buffer.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
