package types

// Keypoint is a single landmark coordinate in frame space.
// Models report (0,0) or negative coordinates for landmarks they could not
// localize, so non-positive values mean "not detected".
type Keypoint struct {
	X float64
	Y float64
}

// Detected reports whether the model actually localized this landmark.
func (k Keypoint) Detected() bool {
	return k.X > 0 && k.Y > 0
}

// Mask is a single-channel soft segmentation mask at model-native resolution.
// Data is row-major, nominally in [0,1].
type Mask struct {
	Width  int
	Height int
	Data   []float32
}

// At returns the mask value at (x, y). Out-of-range lookups return 0.
func (m Mask) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Data[y*m.Width+x]
}

// PoseDetection is one detected person with its ordered keypoint list.
// Keypoint order follows the pose model's fixed index semantics.
type PoseDetection struct {
	Keypoints []Keypoint
}
