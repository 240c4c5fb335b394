package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// PersonClassID is the COCO class index for "person", the only class the
// segmentation worker is asked to mask.
const PersonClassID = 0

// DefaultStartupTimeout bounds the config handshake. Model loading dominates
// this window and CPU-only machines routinely need over a minute.
const DefaultStartupTimeout = 2 * time.Minute

const (
	segmentScript = "python/segment_worker.py"
	poseScript    = "python/pose_worker.py"

	statusOK = 0
)

// workerConfig is the JSON handshake sent as the first message on stdin.
// The worker loads the model, then acks on the data pipe before the first
// frame is sent.
type workerConfig struct {
	ModelPath   string  `json:"model_path"`
	Device      string  `json:"device"`
	Confidence  float64 `json:"confidence"`
	TargetClass int     `json:"target_class"`
	FrameWidth  int     `json:"frame_width"`
	FrameHeight int     `json:"frame_height"`
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	// ReadTimeout bounds each per-frame response read. Zero disables the
	// watchdog entirely.
	ReadTimeout time.Duration

	timedOut atomic.Bool
}

func newPythonWorker(ctx context.Context, id int, pythonBin, script string) (*PythonWorker, error) {
	if pythonBin == "" {
		pythonBin = "python3"
	}

	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, pythonBin, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// handshake ships the model config and blocks until the worker acks. A dead
// ack read here is where import errors and missing model files surface.
func (w *PythonWorker) handshake(cfg workerConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	resp, err := w.communicate(payload, DefaultStartupTimeout)
	if err != nil {
		return fmt.Errorf("worker %d handshake failed: %w", w.ID, err)
	}
	if _, err := unwrap(resp, "worker startup error"); err != nil {
		return err
	}
	return nil
}

// Communicate sends one frame and reads one response using the configured
// per-frame timeout.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	return w.communicate(data, w.ReadTimeout)
}

func (w *PythonWorker) communicate(data []byte, timeout time.Duration) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// A hung model call would block ReadFull forever; the watchdog kills the
	// child so the read fails instead.
	if timeout > 0 && w.Cmd != nil && w.Cmd.Process != nil {
		watchdog := time.AfterFunc(timeout, func() {
			w.timedOut.Store(true)
			w.Cmd.Process.Kill()
		})
		defer watchdog.Stop()
	}

	// Read Result
	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.readError(err, timeout) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.readError(err, timeout)
	}
	return respBody, nil
}

func (w *PythonWorker) readError(err error, timeout time.Duration) error {
	if w.timedOut.Load() {
		return fmt.Errorf("worker %d timed out after %s", w.ID, timeout)
	}
	return err
}

// unwrap strips the leading status byte. A non-zero status carries a
// [MsgLen uint32][Msg] error payload from the Python side.
func unwrap(payload []byte, prefix string) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%s: empty response", prefix)
	}
	if payload[0] == statusOK {
		return payload[1:], nil
	}
	body := payload[1:]
	if len(body) < 4 {
		return nil, fmt.Errorf("%s: truncated error payload", prefix)
	}
	msgLen := binary.BigEndian.Uint32(body)
	body = body[4:]
	if uint32(len(body)) < msgLen {
		return nil, fmt.Errorf("%s: truncated error payload", prefix)
	}
	return nil, fmt.Errorf("%s: %s", prefix, string(body[:msgLen]))
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// --- Segmentation ---

type SegmentConfig struct {
	ModelPath   string
	Device      string
	Confidence  float64
	ReadTimeout time.Duration
	FrameWidth  int
	FrameHeight int
	PythonBin   string
}

// SegmentationWorker wraps a Python process running YOLO instance
// segmentation restricted to the person class.
type SegmentationWorker struct {
	*PythonWorker
}

func NewSegmentationWorker(ctx context.Context, id int, cfg SegmentConfig) (*SegmentationWorker, error) {
	core, err := newPythonWorker(ctx, id, cfg.PythonBin, segmentScript)
	if err != nil {
		return nil, err
	}
	core.ReadTimeout = cfg.ReadTimeout

	hs := workerConfig{
		ModelPath:   cfg.ModelPath,
		Device:      cfg.Device,
		Confidence:  cfg.Confidence,
		TargetClass: PersonClassID,
		FrameWidth:  cfg.FrameWidth,
		FrameHeight: cfg.FrameHeight,
	}
	if err := core.handshake(hs); err != nil {
		core.Close()
		return nil, err
	}
	return &SegmentationWorker{PythonWorker: core}, nil
}

// SegmentFrame sends one raw RGBA frame and decodes the returned person
// masks. Payload layout after the status byte:
//
//	[NumMasks uint32] then per mask:
//	[NDims uint8] [Dims ...uint32] [Data ...float32 row-major]
//
// Model exporters emit batch and channel axes inconsistently, so leading
// 1-sized dims are squeezed; the last two must be height and width.
func (w *SegmentationWorker) SegmentFrame(frame []byte) ([]types.Mask, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	body, err := unwrap(resp, "segmentation worker error")
	if err != nil {
		return nil, err
	}
	return decodeMasks(body)
}

func decodeMasks(body []byte) ([]types.Mask, error) {
	r := bytes.NewReader(body)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("mask count: %w", err)
	}

	masks := make([]types.Mask, 0, count)
	for i := uint32(0); i < count; i++ {
		var ndims uint8
		if err := binary.Read(r, binary.BigEndian, &ndims); err != nil {
			return nil, fmt.Errorf("mask %d shape: %w", i, err)
		}
		dims := make([]uint32, ndims)
		if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
			return nil, fmt.Errorf("mask %d shape: %w", i, err)
		}

		for len(dims) > 2 && dims[0] == 1 {
			dims = dims[1:]
		}
		if len(dims) != 2 {
			return nil, fmt.Errorf("mask %d has unusable shape %v", i, dims)
		}

		height, width := int(dims[0]), int(dims[1])
		data := make([]float32, height*width)
		if err := binary.Read(r, binary.BigEndian, &data); err != nil {
			return nil, fmt.Errorf("mask %d data: %w", i, err)
		}
		masks = append(masks, types.Mask{Width: width, Height: height, Data: data})
	}
	return masks, nil
}

// --- Pose Estimation ---

type PoseConfig struct {
	ModelPath   string
	Device      string
	Confidence  float64
	ReadTimeout time.Duration
	FrameWidth  int
	FrameHeight int
	PythonBin   string
}

// PoseWorker wraps a Python process running YOLO pose estimation. Each
// detection carries the 17 COCO keypoints as (x, y) pixel coordinates,
// with (0, 0) marking an undetected joint.
type PoseWorker struct {
	*PythonWorker
}

func NewPoseWorker(ctx context.Context, id int, cfg PoseConfig) (*PoseWorker, error) {
	core, err := newPythonWorker(ctx, id, cfg.PythonBin, poseScript)
	if err != nil {
		return nil, err
	}
	core.ReadTimeout = cfg.ReadTimeout

	hs := workerConfig{
		ModelPath:   cfg.ModelPath,
		Device:      cfg.Device,
		Confidence:  cfg.Confidence,
		TargetClass: PersonClassID,
		FrameWidth:  cfg.FrameWidth,
		FrameHeight: cfg.FrameHeight,
	}
	if err := core.handshake(hs); err != nil {
		core.Close()
		return nil, err
	}
	return &PoseWorker{PythonWorker: core}, nil
}

// EstimateFrame sends one raw RGBA frame and decodes the detected people.
// Payload layout after the status byte:
//
//	[NumDetections uint32] then per detection:
//	[NumKeypoints uint32] [X float32, Y float32] per keypoint
func (w *PoseWorker) EstimateFrame(frame []byte) ([]types.PoseDetection, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	body, err := unwrap(resp, "pose worker error")
	if err != nil {
		return nil, err
	}
	return decodePoses(body)
}

func decodePoses(body []byte) ([]types.PoseDetection, error) {
	r := bytes.NewReader(body)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("detection count: %w", err)
	}

	dets := make([]types.PoseDetection, 0, count)
	for i := uint32(0); i < count; i++ {
		var numKps uint32
		if err := binary.Read(r, binary.BigEndian, &numKps); err != nil {
			return nil, fmt.Errorf("detection %d keypoint count: %w", i, err)
		}
		coords := make([]float32, 2*numKps)
		if err := binary.Read(r, binary.BigEndian, &coords); err != nil {
			return nil, fmt.Errorf("detection %d keypoints: %w", i, err)
		}

		kps := make([]types.Keypoint, numKps)
		for k := range kps {
			kps[k] = types.Keypoint{X: float64(coords[2*k]), Y: float64(coords[2*k+1])}
		}
		dets = append(dets, types.PoseDetection{Keypoints: kps})
	}
	return dets, nil
}
