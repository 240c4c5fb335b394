package compose

import "github.com/andresmejia3/veil/internal/types"

// binarizeThreshold separates person from background in the soft instance
// masks before they are merged.
const binarizeThreshold = 0.5

// Union merges all instance masks into one binary person mask at model
// resolution: each mask is thresholded and the results OR-ed together, so
// every detected person ends up protected from background replacement.
// Masks whose geometry differs from the first one are ignored.
func Union(masks []types.Mask) types.Mask {
	if len(masks) == 0 {
		return types.Mask{}
	}
	out := types.Mask{
		Width:  masks[0].Width,
		Height: masks[0].Height,
		Data:   make([]float32, len(masks[0].Data)),
	}
	for _, m := range masks {
		if m.Width != out.Width || m.Height != out.Height {
			continue
		}
		for i, v := range m.Data {
			if v > binarizeThreshold {
				out.Data[i] = 1
			}
		}
	}
	return out
}
