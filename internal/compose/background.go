package compose

import (
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/veil/internal/types"
)

// Mode selects what replaces the scene behind the detected person.
type Mode string

const (
	// ModeBlur swaps the background for a Gaussian blur of the frame itself.
	ModeBlur Mode = "blur"
	// ModeImage swaps the background for a static replacement image.
	ModeImage Mode = "image"
)

// Background composites the person mask over a replacement background
// layer. The replacement image is resized to frame geometry once up front;
// Apply allocates nothing per frame beyond pooled scratch.
type Background struct {
	mode   Mode
	image  *image.RGBA
	kernel []float32
}

// NewBackground builds the compositor for a fixed frame geometry.
// The asset may be nil unless mode is ModeImage.
func NewBackground(mode Mode, asset image.Image, width, height int) *Background {
	b := &Background{
		mode:   mode,
		kernel: gaussianKernel(DefaultBlurKernelSize),
	}
	if mode == ModeImage && asset != nil {
		b.image = resizeRGBA(toRGBA(asset), width, height)
	}
	return b
}

// LoadBackground reads the replacement background image from disk.
func LoadBackground(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open background image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode background image: %w", err)
	}
	return img, nil
}

// Apply composites the frame in place: pixels under the mask keep the
// person, everything else shows the selected background layer.
//
// The mask is resampled to frame geometry, scaled to 8 bits, and combined
// per channel with bitwise masking:
//
//	person     = frame AND mask
//	background = layer AND NOT mask
//	result     = person + background (clamped)
//
// Fully masked bytes keep the frame exactly and fully unmasked bytes show
// the layer exactly; partial mask bytes mix bit patterns rather than alpha
// blending. An unknown mode (or a missing image) leaves the frame as its
// own background layer, which makes Apply the identity.
func (b *Background) Apply(frame *image.RGBA, mask types.Mask) {
	if len(mask.Data) == 0 {
		return
	}
	w := frame.Rect.Dx()
	h := frame.Rect.Dy()

	resized := resizeMask(mask, w, h)

	var layer []uint8
	switch b.mode {
	case ModeBlur:
		size := w * h * 4
		buf := blurScratchPool.Get().([]uint8)
		if cap(buf) < size {
			buf = make([]uint8, size)
		}
		layer = buf[:size]
		defer blurScratchPool.Put(buf)
		gaussianBlurInto(layer, frame, b.kernel)
	case ModeImage:
		if b.image != nil {
			layer = b.image.Pix
		}
	}

	pix := frame.Pix
	stride := frame.Stride
	for y := 0; y < h; y++ {
		rowStart := y * stride
		maskRow := y * w
		for x := 0; x < w; x++ {
			v := resized[maskRow+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			m := uint8(v*255 + 0.5)
			inv := ^m
			off := rowStart + x*4

			var lr, lg, lb uint8
			if layer != nil {
				loff := (maskRow + x) * 4
				lr, lg, lb = layer[loff], layer[loff+1], layer[loff+2]
			} else {
				lr, lg, lb = pix[off], pix[off+1], pix[off+2]
			}

			r := uint16(pix[off]&m) + uint16(lr&inv)
			g := uint16(pix[off+1]&m) + uint16(lg&inv)
			bl := uint16(pix[off+2]&m) + uint16(lb&inv)
			if r > 255 {
				r = 255
			}
			if g > 255 {
				g = 255
			}
			if bl > 255 {
				bl = 255
			}
			pix[off] = uint8(r)
			pix[off+1] = uint8(g)
			pix[off+2] = uint8(bl)
			pix[off+3] = 255
		}
	}
}
