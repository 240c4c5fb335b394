package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <video_path>",
	Short: "Show the stream metadata a processing run would use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProbe(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}

	videoID, err := utils.GenerateVideoID(path)
	if err != nil {
		utils.ShowError("Failed to fingerprint input video", err, nil)
		return err
	}
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}
	width, height, err := utils.GetVideoDimensions(ctx, path)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}

	totalFrames := utils.GetTotalFrames(ctx, path)
	frames := "unknown"
	if totalFrames > 0 {
		frames = fmt.Sprintf("%d", totalFrames)
	}

	duration := "unknown"
	if secs, err := utils.GetDuration(ctx, path); err == nil {
		duration = fmtTime(secs)
	}

	videoCodec, _ := utils.GetStreamCodec(ctx, path, "v:0")
	audioCodec, _ := utils.GetStreamCodec(ctx, path, "a:0")
	if audioCodec == "" {
		// The remux step maps audio optionally, so a silent input is fine
		audioCodec = "none"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Video ID\t%s\n", videoID[:12])
	fmt.Fprintf(w, "Dimensions\t%dx%d\n", width, height)
	fmt.Fprintf(w, "FPS\t%.3f\n", fps)
	fmt.Fprintf(w, "Frames\t%s\n", frames)
	fmt.Fprintf(w, "Duration\t%s\n", duration)
	fmt.Fprintf(w, "Video Codec\t%s\n", videoCodec)
	fmt.Fprintf(w, "Audio Codec\t%s\n", audioCodec)
	w.Flush()
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
