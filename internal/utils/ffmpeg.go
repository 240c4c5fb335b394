package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ffprobeOutput is the subset of ffprobe's JSON output we care about.
type ffprobeOutput struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func runFFprobe(ctx context.Context, args ...string) (*ffprobeOutput, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	full := append([]string{"-v", "error"}, args...)
	logrus.WithField("args", full).Debug("running ffprobe")

	out, err := exec.CommandContext(ctx, "ffprobe", full...).Output()
	if err != nil {
		return nil, err
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	return &res, nil
}

// ParseFrameRate converts ffprobe's fractional notation ("30000/1001",
// "25/1") to frames per second.
func ParseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid frame rate %q", rate)
		}
		return v, nil
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	fps := n / d
	if fps <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	return fps, nil
}

// GetVideoFPS reads the input's video frame rate.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := runFFprobe(ctx, "-select_streams", "v:0", "-show_entries", "stream=r_frame_rate", "-of", "json", path)
	if err != nil {
		return 0, err
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream found in %s", path)
	}
	return ParseFrameRate(res.Streams[0].RFrameRate)
}

// GetVideoDimensions reads the input's pixel geometry.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	res, err := runFFprobe(ctx, "-select_streams", "v:0", "-show_entries", "stream=width,height", "-of", "json", path)
	if err != nil {
		return 0, 0, err
	}
	if len(res.Streams) == 0 || res.Streams[0].Width <= 0 || res.Streams[0].Height <= 0 {
		return 0, 0, fmt.Errorf("could not determine dimensions of %s", path)
	}
	return res.Streams[0].Width, res.Streams[0].Height, nil
}

// GetStreamCodec reports the codec of the selected stream ("v:0", "a:0").
// An input without that stream yields an empty string, not an error.
func GetStreamCodec(ctx context.Context, path, selector string) (string, error) {
	res, err := runFFprobe(ctx, "-select_streams", selector, "-show_entries", "stream=codec_name", "-of", "json", path)
	if err != nil {
		return "", err
	}
	if len(res.Streams) == 0 {
		return "", nil
	}
	return res.Streams[0].CodecName, nil
}

// GetDuration reads the container duration in seconds.
func GetDuration(ctx context.Context, path string) (float64, error) {
	res, err := runFFprobe(ctx, "-show_entries", "format=duration", "-of", "json", path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res.Format.Duration, 64)
}

// GetTotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 if the count fails, allowing callers to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	// 0. Check dependency
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	if res, err := runFFprobe(ctx, "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path); err == nil && len(res.Streams) > 0 {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	res, err := runFFprobe(ctx, "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}
	if len(res.Streams) == 0 {
		return 0
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe integer parse error: %v\n", err)
		return 0
	}
	return count
}

// NewFFmpegRawDecoder streams the input as raw RGBA frames on stdout.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *SafeCommand {
	// Added -hide_banner and -loglevel error to prevent memory bloat in the
	// stderr buffer.
	return NewSafeCommand(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder consumes raw RGBA frames on stdin and writes an H.264
// video-only file.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		outputPath)
}

// MuxAudioArgs builds the remux invocation: copy the processed video stream,
// re-encode the original audio (if the input has any), and clip to the
// shorter stream. The "1:a:0?" map keeps audio-less inputs working.
func MuxAudioArgs(videoPath, audioSource, outputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-i", audioSource,
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "192k",
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-shortest",
		outputPath,
	}
}

// MuxAudio reattaches the original input's audio track onto the processed
// video-only file.
func MuxAudio(ctx context.Context, videoPath, audioSource, outputPath string) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	cmd := NewSafeCommand(ctx, "ffmpeg", MuxAudioArgs(videoPath, audioSource, outputPath)...)
	logrus.WithField("args", cmd.Args).Debug("remuxing audio")

	if err := cmd.Run(); err != nil {
		if cmd.Stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg remux failed: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
		}
		return fmt.Errorf("ffmpeg remux failed: %w", err)
	}
	return nil
}
