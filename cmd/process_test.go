package cmd

import (
	"os"
	"testing"
)

func TestValidateProcessFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	// Create a temp dir for invalid input
	tmpDir, err := os.MkdirTemp("", "testdir")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	valid := Options{
		InputPath:      tmpFile.Name(),
		BackgroundMode: "blur",
		Alpha:          0.6,
		Confidence:     0.5,
		WorkerTimeout:  "30s",
	}

	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
	}{
		{
			name:    "Valid options",
			mutate:  func(o *Options) {},
			wantErr: false,
		},
		{
			name:    "Input file does not exist",
			mutate:  func(o *Options) { o.InputPath = "nonexistent.mp4" },
			wantErr: true,
		},
		{
			name:    "Input is directory",
			mutate:  func(o *Options) { o.InputPath = tmpDir },
			wantErr: true,
		},
		{
			name:    "Unknown background mode",
			mutate:  func(o *Options) { o.BackgroundMode = "greenscreen" },
			wantErr: true,
		},
		{
			name:    "Image mode without asset",
			mutate:  func(o *Options) { o.BackgroundMode = "image" },
			wantErr: true,
		},
		{
			name: "Image mode with asset",
			mutate: func(o *Options) {
				o.BackgroundMode = "image"
				o.BackgroundPath = "bg.png"
			},
			wantErr: false,
		},
		{
			name:    "Alpha zero",
			mutate:  func(o *Options) { o.Alpha = 0 },
			wantErr: true,
		},
		{
			name:    "Alpha above one",
			mutate:  func(o *Options) { o.Alpha = 1.5 },
			wantErr: true,
		},
		{
			name:    "Invalid confidence",
			mutate:  func(o *Options) { o.Confidence = -0.1 },
			wantErr: true,
		},
		{
			name:    "Invalid worker timeout",
			mutate:  func(o *Options) { o.WorkerTimeout = "soon" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)

			// Redirect stderr to discard output during this specific sub-test
			oldStderr := os.Stderr
			r, w, _ := os.Pipe()
			os.Stderr = w

			if err := validateProcessFlags(&opts); (err != nil) != tt.wantErr {
				t.Errorf("validateProcessFlags() error = %v, wantErr %v", err, tt.wantErr)
			}

			// Restore stderr and close the pipe
			w.Close()
			os.Stderr = oldStderr
			r.Close()
		})
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}
