package compose

import (
	"image"
	"math"
	"sync"
)

// DefaultBlurKernelSize is the background blur strength.
const DefaultBlurKernelSize = 21

// blurScratchPool recycles full-frame scratch buffers for the blur passes.
var blurScratchPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) },
}

// gaussianKernel builds a normalized 1-D Gaussian. Sigma is derived from
// the kernel size the way OpenCV does when no sigma is given:
// sigma = 0.3*((ksize-1)*0.5 - 1) + 0.8.
func gaussianKernel(size int) []float32 {
	if size < 1 {
		size = 1
	}
	if size%2 == 0 {
		size++
	}
	sigma := 0.3*((float64(size)-1)*0.5-1) + 0.8
	kernel := make([]float32, size)
	half := size / 2
	var sum float64
	for i := range kernel {
		x := float64(i - half)
		v := math.Exp(-(x * x) / (2 * sigma * sigma))
		kernel[i] = float32(v)
		sum += v
	}
	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

// GaussianBlur returns a blurred copy of img using a size x size separable
// Gaussian kernel.
func GaussianBlur(img *image.RGBA, size int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()))
	gaussianBlurInto(out.Pix, img, gaussianKernel(size))
	return out
}

// gaussianBlurInto writes a separable Gaussian blur of img into dst, which
// must hold width*height*4 bytes. Edges replicate the border pixel. Alpha
// is forced opaque; the blur only ever feeds fully opaque video frames.
func gaussianBlurInto(dst []uint8, img *image.RGBA, kernel []float32) {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	half := len(kernel) / 2
	size := w * h * 4

	tmpPtr := blurScratchPool.Get().([]uint8)
	if cap(tmpPtr) < size {
		tmpPtr = make([]uint8, size)
	}
	tmp := tmpPtr[:size]
	defer blurScratchPool.Put(tmpPtr)

	pix := img.Pix
	stride := img.Stride

	// Horizontal pass: img -> tmp
	for y := 0; y < h; y++ {
		rowStart := y * stride
		outRow := y * w * 4
		for x := 0; x < w; x++ {
			var r, g, b float32
			for k := -half; k <= half; k++ {
				px := x + k
				if px < 0 {
					px = 0
				} else if px >= w {
					px = w - 1
				}
				weight := kernel[k+half]
				off := rowStart + px*4
				r += weight * float32(pix[off])
				g += weight * float32(pix[off+1])
				b += weight * float32(pix[off+2])
			}
			off := outRow + x*4
			tmp[off] = uint8(r + 0.5)
			tmp[off+1] = uint8(g + 0.5)
			tmp[off+2] = uint8(b + 0.5)
			tmp[off+3] = 255
		}
	}

	// Vertical pass: tmp -> dst
	for y := 0; y < h; y++ {
		outRow := y * w * 4
		for x := 0; x < w; x++ {
			var r, g, b float32
			for k := -half; k <= half; k++ {
				py := y + k
				if py < 0 {
					py = 0
				} else if py >= h {
					py = h - 1
				}
				weight := kernel[k+half]
				off := py*w*4 + x*4
				r += weight * float32(tmp[off])
				g += weight * float32(tmp[off+1])
				b += weight * float32(tmp[off+2])
			}
			off := outRow + x*4
			dst[off] = uint8(r + 0.5)
			dst[off+1] = uint8(g + 0.5)
			dst[off+2] = uint8(b + 0.5)
			dst[off+3] = 255
		}
	}
}
