package landmarks

import (
	"github.com/andresmejia3/veil/internal/types"
)

// COCO keypoint indices as emitted by the pose model.
const (
	KeypointNose = iota
	KeypointLeftEye
	KeypointRightEye
	KeypointLeftEar
	KeypointRightEar
	KeypointLeftShoulder
	KeypointRightShoulder
	KeypointLeftElbow
	KeypointRightElbow
	KeypointLeftWrist
	KeypointRightWrist
	KeypointLeftHip
	KeypointRightHip
	KeypointLeftKnee
	KeypointRightKnee
	KeypointLeftAnkle
	KeypointRightAnkle
)

// Triangle is the facial anchor set used to place the overlay:
// both eyes plus the nose tip.
type Triangle struct {
	LeftEye  types.Keypoint
	RightEye types.Keypoint
	Nose     types.Keypoint
}

// Valid reports whether every anchor was actually detected.
// The pose model emits zero (or negative) coordinates for landmarks it
// could not localize, and a triangle built from those must not be used.
func (t Triangle) Valid() bool {
	return t.LeftEye.Detected() && t.RightEye.Detected() && t.Nose.Detected()
}

// Normalized swaps the eye anchors if the pose is mirrored (the reported
// left eye sits to the right of the reported right eye in image space).
// Without the swap a mirrored pose would flip the overlay.
func (t Triangle) Normalized() Triangle {
	if t.LeftEye.X > t.RightEye.X {
		t.LeftEye, t.RightEye = t.RightEye, t.LeftEye
	}
	return t
}

// FromKeypoints extracts the anchor triangle from a detection's ordered
// keypoint list. It returns false when the list is too short or any anchor
// is missing, in which case the caller should skip the overlay for this
// frame entirely (including smoothing, so stale garbage never enters the
// filter).
func FromKeypoints(kps []types.Keypoint) (Triangle, bool) {
	if len(kps) <= KeypointRightEye {
		return Triangle{}, false
	}
	t := Triangle{
		Nose:     kps[KeypointNose],
		LeftEye:  kps[KeypointLeftEye],
		RightEye: kps[KeypointRightEye],
	}
	if !t.Valid() {
		return Triangle{}, false
	}
	return t.Normalized(), true
}

// DefaultAlpha is the landmark smoothing factor
// (1.0 = no smoothing, values near 0 trail the detections heavily).
const DefaultAlpha = 0.6

// Smoother applies an exponential moving average to the anchor triangle to
// suppress per-frame landmark jitter. One instance must persist for the
// whole video; resetting it mid-stream would make the overlay jump.
type Smoother struct {
	alpha  float64
	prev   Triangle
	primed bool
}

// NewSmoother creates a smoother with the given blend factor.
// Out-of-range factors fall back to DefaultAlpha.
func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Smoother{alpha: alpha}
}

// Update feeds one raw triangle into the filter and returns the smoothed
// result. The first call primes the filter and returns its input unchanged;
// later calls blend new = alpha*detected + (1-alpha)*previous per coordinate.
// The returned value becomes the new filter state, so consecutive identical
// inputs converge onto that input.
func (s *Smoother) Update(t Triangle) Triangle {
	if !s.primed {
		s.prev = t
		s.primed = true
		return t
	}
	s.prev = Triangle{
		LeftEye:  s.blend(t.LeftEye, s.prev.LeftEye),
		RightEye: s.blend(t.RightEye, s.prev.RightEye),
		Nose:     s.blend(t.Nose, s.prev.Nose),
	}
	return s.prev
}

// Current returns the last smoothed triangle, if the filter has been primed.
func (s *Smoother) Current() (Triangle, bool) {
	return s.prev, s.primed
}

func (s *Smoother) blend(detected, old types.Keypoint) types.Keypoint {
	return types.Keypoint{
		X: s.alpha*detected.X + (1-s.alpha)*old.X,
		Y: s.alpha*detected.Y + (1-s.alpha)*old.Y,
	}
}
