package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestFFmpegArgsDefaults(t *testing.T) {
	got := strings.Join(FFmpeg{}.Args("in.mp4", "out.mp4"), " ")
	want := "-hide_banner -loglevel error -y -i in.mp4 -vcodec libx264 -crf 28 -preset veryfast -an out.mp4"
	if got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}

	got = strings.Join(FFmpeg{Codec: "libx265", CRF: 30, Preset: "slow"}.Args("a", "b"), " ")
	if !strings.Contains(got, "-vcodec libx265 -crf 30 -preset slow") {
		t.Errorf("custom args not applied: %q", got)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFFmpegCompressSuccess(t *testing.T) {
	// Writes a short file to the last argument.
	bin := writeScript(t, `for last; do :; done; printf 'compressed' > "$last"`)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")

	if err := (FFmpeg{Path: bin}).Compress(context.Background(), filepath.Join(dir, "in.mp4"), out); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "compressed" {
		t.Errorf("output = %q", data)
	}
}

func TestFFmpegCompressFailure(t *testing.T) {
	bin := writeScript(t, `echo "Invalid data found when processing input" >&2; exit 1`)

	err := FFmpeg{Path: bin}.Compress(context.Background(), "in.mp4", "out.mp4")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("stderr should be included: %v", err)
	}
}

func TestFFmpegCompressMissingBinary(t *testing.T) {
	err := FFmpeg{Path: filepath.Join(t.TempDir(), "missing")}.Compress(context.Background(), "in", "out")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Errorf("expected ErrTranscodeFailed, got %v", err)
	}
}
