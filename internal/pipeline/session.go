package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/veil/internal/utils"
)

// Geometry is the probed shape of the input stream.
type Geometry struct {
	Width  int
	Height int
	FPS    float64
	// TotalFrames of 0 means unknown, the progress bar falls back to a spinner.
	TotalFrames int
}

// Config carries the session file paths and retention policy.
type Config struct {
	InputPath  string
	OutputPath string
	// KeepTemp retains the video-only intermediate even after a successful remux.
	KeepTemp bool
}

// Summary reports what a finished session produced.
type Summary struct {
	Stats
	OutputPath  string
	Elapsed     time.Duration
	VideoOnly   bool
	OutputBytes int64
}

// Session drives one video through decode, per-frame compositing, encode,
// and the final audio remux.
type Session struct {
	cfg  Config
	geo  Geometry
	orch *Orchestrator
}

func NewSession(cfg Config, geo Geometry, orch *Orchestrator) *Session {
	return &Session{cfg: cfg, geo: geo, orch: orch}
}

const logProgressInterval = 20

func (s *Session) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	interPath := intermediatePath(s.cfg.OutputPath)

	decoder := utils.NewFFmpegRawDecoder(ctx, s.cfg.InputPath)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder pipe: %w", err)
	}
	if err := decoder.Start(); err != nil {
		return nil, fmt.Errorf("decoder start: %w", err)
	}

	encoder := utils.NewFFmpegEncoder(ctx, interPath, s.geo.FPS, s.geo.Width, s.geo.Height)
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder pipe: %w", err)
	}
	if err := encoder.Start(); err != nil {
		return nil, fmt.Errorf("encoder start: %w", err)
	}

	var barTotal int64 = int64(s.geo.TotalFrames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("Compositing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	// One frame in flight: the landmark smoother is stateful, so frames must
	// be processed in stream order.
	frameSize := s.geo.Width * s.geo.Height * 4
	buf := make([]byte, frameSize)
	frame := &image.RGBA{
		Pix:    buf,
		Stride: s.geo.Width * 4,
		Rect:   image.Rect(0, 0, s.geo.Width, s.geo.Height),
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(decoderOut, buf); err != nil {
			// EOF or a truncated trailing frame, stop reading
			break
		}
		if err := s.orch.ProcessFrame(frame); err != nil {
			return nil, err
		}
		if _, err := encoderIn.Write(buf); err != nil {
			return nil, fmt.Errorf("encoder write: %w", err)
		}
		bar.Add(1)
		if n := s.orch.Stats().Frames; n%logProgressInterval == 0 {
			logrus.WithField("frames", n).Debug("compositing progress")
		}
	}

	encoderIn.Close()
	encErr := encoder.Wait()
	decErr := decoder.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.orch.Stats().Frames == 0 {
		return nil, fmt.Errorf("no frames decoded from %s", s.cfg.InputPath)
	}
	if encErr != nil {
		return nil, processError("ffmpeg encoder failed", encErr, encoder)
	}
	if decErr != nil {
		return nil, processError("ffmpeg decoder failed", decErr, decoder)
	}

	summary := &Summary{
		Stats:      s.orch.Stats(),
		OutputPath: s.cfg.OutputPath,
	}

	if err := utils.MuxAudio(ctx, interPath, s.cfg.InputPath, s.cfg.OutputPath); err != nil {
		// The composited video is done at this point; a failed remux must not
		// throw it away. Deliver the video-only intermediate instead.
		fmt.Fprintf(os.Stderr, "⚠️  Audio remux failed (%v). Keeping video-only output.\n", err)
		os.Remove(s.cfg.OutputPath)
		summary.OutputPath = interPath
		summary.VideoOnly = true
	} else if !s.cfg.KeepTemp {
		os.Remove(interPath)
	}

	summary.Elapsed = time.Since(start)
	if info, err := os.Stat(summary.OutputPath); err == nil {
		summary.OutputBytes = info.Size()
	}
	return summary, nil
}

func processError(context string, err error, cmd *utils.SafeCommand) error {
	if cmd.Stderr.Len() > 0 {
		return fmt.Errorf("%s: %w: %s", context, err, strings.TrimSpace(cmd.Stderr.String()))
	}
	return fmt.Errorf("%s: %w", context, err)
}

// intermediatePath derives the video-only scratch file written next to the
// final output: "clip.mp4" becomes "clip.video.mp4".
func intermediatePath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	return strings.TrimSuffix(outputPath, ext) + ".video" + ext
}
