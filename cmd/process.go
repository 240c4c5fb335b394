package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/veil/internal/compose"
	"github.com/andresmejia3/veil/internal/landmarks"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/spf13/cobra"
)

var processOpts Options

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Mask the background behind people and pin an overlay to their face",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProcess(cmd.Context(), processOpts)
	},
}

func init() {
	processCmd.Flags().StringVarP(&processOpts.InputPath, "input", "i", "", "Path to input video")
	processCmd.Flags().StringVarP(&processOpts.OutputPath, "output", "o", "masked.mp4", "Path to output video")
	processCmd.Flags().StringVar(&processOpts.OverlayPath, "overlay", "", "RGBA overlay image pinned to the detected face")
	processCmd.Flags().StringVarP(&processOpts.BackgroundMode, "bg-mode", "m", "blur", "Background treatment: blur, image")
	processCmd.Flags().StringVar(&processOpts.BackgroundPath, "bg-image", "", "Replacement background image (for --bg-mode image)")
	processCmd.Flags().Float64VarP(&processOpts.Alpha, "alpha", "a", landmarks.DefaultAlpha, "Landmark smoothing factor, 1.0 disables smoothing")

	processCmd.Flags().StringVar(&processOpts.SegModel, "seg-model", "yolo11n-seg.pt", "Segmentation model weights")
	processCmd.Flags().StringVar(&processOpts.PoseModel, "pose-model", "yolo11n-pose.pt", "Pose model weights")
	processCmd.Flags().StringVar(&processOpts.Device, "device", "", "Inference device handed to the workers (e.g. cpu, cuda:0)")
	processCmd.Flags().Float64VarP(&processOpts.Confidence, "confidence", "D", 0.5, "Detection confidence threshold")
	processCmd.Flags().StringVar(&processOpts.WorkerTimeout, "worker-timeout", "30s", "Timeout for a worker to process a single frame")
	processCmd.Flags().StringVar(&processOpts.PythonBin, "python", "python3", "Python interpreter used to launch the workers")
	processCmd.Flags().BoolVar(&processOpts.KeepTemp, "keep-temp", false, "Keep the video-only intermediate file")

	processCmd.MarkFlagRequired("input")
	processCmd.MarkFlagRequired("overlay")
	rootCmd.AddCommand(processCmd)
}

func runProcess(ctx context.Context, opts Options) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateProcessFlags(&opts); err != nil {
		return err
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to fingerprint input video", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}
	totalFrames := utils.GetTotalFrames(ctx, opts.InputPath)

	overlay, err := compose.LoadOverlay(opts.OverlayPath)
	if err != nil {
		utils.ShowError("Failed to load overlay image", err, nil)
		return err
	}

	var bgAsset image.Image
	if opts.BackgroundMode == "image" {
		bgAsset, err = compose.LoadBackground(opts.BackgroundPath)
		if err != nil {
			utils.ShowError("Failed to load background image", err, nil)
			return err
		}
	}
	background := compose.NewBackground(compose.Mode(opts.BackgroundMode), bgAsset, width, height)

	workerTimeout, _ := time.ParseDuration(opts.WorkerTimeout)

	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	segWorker, err := worker.NewSegmentationWorker(ctx, 0, worker.SegmentConfig{
		ModelPath:   opts.SegModel,
		Device:      opts.Device,
		Confidence:  opts.Confidence,
		ReadTimeout: workerTimeout,
		FrameWidth:  width,
		FrameHeight: height,
		PythonBin:   opts.PythonBin,
	})
	if err != nil {
		utils.ShowError("Segmentation worker startup failed", err, nil)
		return err
	}
	defer segWorker.Close()

	poseWorker, err := worker.NewPoseWorker(ctx, 1, worker.PoseConfig{
		ModelPath:   opts.PoseModel,
		Device:      opts.Device,
		Confidence:  opts.Confidence,
		ReadTimeout: workerTimeout,
		FrameWidth:  width,
		FrameHeight: height,
		PythonBin:   opts.PythonBin,
	})
	if err != nil {
		utils.ShowError("Pose worker startup failed", err, nil)
		return err
	}
	defer poseWorker.Close()

	orch := pipeline.NewOrchestrator(segWorker, poseWorker, background, overlay, landmarks.NewSmoother(opts.Alpha))
	session := pipeline.NewSession(pipeline.Config{
		InputPath:  opts.InputPath,
		OutputPath: opts.OutputPath,
		KeepTemp:   opts.KeepTemp,
	}, pipeline.Geometry{
		Width:       width,
		Height:      height,
		FPS:         fps,
		TotalFrames: totalFrames,
	}, orch)

	summary, err := session.Run(ctx)
	if err != nil {
		// A crashed worker leaves its traceback in the captured stderr
		crashed := segWorker.Cmd
		if crashed.Stderr.Len() == 0 && poseWorker.Cmd.Stderr.Len() > 0 {
			crashed = poseWorker.Cmd
		}
		utils.ShowError("Processing failed", err, crashed)
		return err
	}

	printSummary(summary)

	if DB != nil {
		recordRun(ctx, videoID, opts, summary)
	}
	return nil
}

func printSummary(s *pipeline.Summary) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎬 PROCESSING SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🖼️  Frames Composited:   %d\n", s.Frames)
	fmt.Fprintf(os.Stderr, "🏞️  Backgrounds Masked:  %d\n", s.BackgroundFrames)
	fmt.Fprintf(os.Stderr, "😶 Overlays Rendered:   %d (skipped %d, degenerate %d)\n", s.OverlayFrames, s.SkippedOverlays, s.DegenerateSkips)
	fmt.Fprintf(os.Stderr, "⏱️  Elapsed:             %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "📦 Output:              %s (%.1f MB)\n", s.OutputPath, float64(s.OutputBytes)/(1024*1024))
	if s.VideoOnly {
		fmt.Fprintf(os.Stderr, "⚠️  Audio remux failed, output is video-only\n")
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// recordRun journals the finished run. Failures only warn: the output file
// already exists and must not be reported as a failed run.
func recordRun(ctx context.Context, videoID string, opts Options, summary *pipeline.Summary) {
	_, err := DB.RecordRun(ctx, store.Run{
		VideoID:        videoID,
		InputPath:      opts.InputPath,
		OutputPath:     summary.OutputPath,
		BackgroundMode: opts.BackgroundMode,
		TotalFrames:    summary.Frames,
		MaskedFrames:   summary.BackgroundFrames,
		OverlaidFrames: summary.OverlayFrames,
		ElapsedSeconds: summary.Elapsed.Seconds(),
		VideoOnly:      summary.VideoOnly,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to journal run: %v\n", err)
	}
}

func validateProcessFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}

	if opts.BackgroundMode != "blur" && opts.BackgroundMode != "image" {
		err := fmt.Errorf("invalid mode '%s'. Must be 'blur' or 'image'", opts.BackgroundMode)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.BackgroundMode == "image" && opts.BackgroundPath == "" {
		err := fmt.Errorf("image mode requires --bg-image")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.Alpha <= 0 || opts.Alpha > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.Alpha)
		utils.ShowError("Invalid smoothing alpha", err, nil)
		return err
	}
	if opts.Confidence <= 0 || opts.Confidence > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.Confidence)
		utils.ShowError("Invalid confidence threshold", err, nil)
		return err
	}

	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		utils.ShowError("Invalid worker-timeout format (use '30s', '1m')", err, nil)
		return err
	}

	return nil
}
