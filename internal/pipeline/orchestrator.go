package pipeline

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/compose"
	"github.com/andresmejia3/veil/internal/landmarks"
	"github.com/andresmejia3/veil/internal/types"
)

// Segmenter produces person instance masks for one raw RGBA frame.
type Segmenter interface {
	SegmentFrame(frame []byte) ([]types.Mask, error)
}

// PoseEstimator produces per-person keypoints for one raw RGBA frame.
type PoseEstimator interface {
	EstimateFrame(frame []byte) ([]types.PoseDetection, error)
}

// Stats counts per-frame outcomes across a run. When an overlay is
// configured, every frame increments exactly one of OverlayFrames,
// SkippedOverlays or DegenerateSkips.
type Stats struct {
	Frames           int
	BackgroundFrames int
	OverlayFrames    int
	SkippedOverlays  int
	DegenerateSkips  int
}

// Orchestrator applies the full per-frame treatment: background compositing
// behind the detected people, then the landmark-anchored overlay.
type Orchestrator struct {
	seg      Segmenter
	pose     PoseEstimator
	bg       *compose.Background
	overlay  *compose.Overlay
	smoother *landmarks.Smoother

	stats Stats
}

// NewOrchestrator wires the two inference collaborators to the compositing
// stages. A nil overlay disables the overlay stage for background-only runs.
func NewOrchestrator(seg Segmenter, pose PoseEstimator, bg *compose.Background, overlay *compose.Overlay, smoother *landmarks.Smoother) *Orchestrator {
	return &Orchestrator{seg: seg, pose: pose, bg: bg, overlay: overlay, smoother: smoother}
}

// Stats returns a snapshot of the run counters.
func (o *Orchestrator) Stats() Stats {
	return o.stats
}

// ProcessFrame composites one frame in place. Both model calls happen before
// any pixel changes: the pose estimator must see the original frame, not the
// background-composited one.
func (o *Orchestrator) ProcessFrame(frame *image.RGBA) error {
	idx := o.stats.Frames

	masks, err := o.seg.SegmentFrame(frame.Pix)
	if err != nil {
		return fmt.Errorf("frame %d: %w", idx, err)
	}
	poses, err := o.pose.EstimateFrame(frame.Pix)
	if err != nil {
		return fmt.Errorf("frame %d: %w", idx, err)
	}

	o.stats.Frames++

	if len(masks) > 0 {
		o.bg.Apply(frame, compose.Union(masks))
		o.stats.BackgroundFrames++
	} else {
		logrus.WithField("frame", idx).Debug("no person masks, frame passes through")
	}

	if o.overlay == nil {
		return nil
	}

	tri, ok := firstTriangle(poses)
	if !ok {
		// No usable face this frame. The smoother keeps its last state so a
		// brief detection dropout doesn't snap the overlay on return.
		o.stats.SkippedOverlays++
		logrus.WithField("frame", idx).Debug("no usable face landmarks, overlay skipped")
		return nil
	}

	smoothed := o.smoother.Update(tri)
	if o.overlay.Render(frame, smoothed) {
		o.stats.OverlayFrames++
	} else {
		o.stats.DegenerateSkips++
		logrus.WithField("frame", idx).Debug("degenerate overlay placement, skipped")
	}
	return nil
}

// firstTriangle extracts the anchor triangle from the first detection. Later
// detections are not consulted: the overlay tracks one face.
func firstTriangle(poses []types.PoseDetection) (landmarks.Triangle, bool) {
	if len(poses) == 0 {
		return landmarks.Triangle{}, false
	}
	return landmarks.FromKeypoints(poses[0].Keypoints)
}
