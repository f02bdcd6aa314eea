// Package transcode compresses raw segments.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrTranscodeFailed is returned when the compressor cannot produce output.
var ErrTranscodeFailed = errors.New("transcode failed")

// Compressor turns a raw segment into a compressed one.
type Compressor interface {
	// Compress reads input and writes output. On error output may be
	// partially written.
	Compress(ctx context.Context, input, output string) error
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(ctx context.Context, input, output string) error

// Compress calls f.
func (f CompressorFunc) Compress(ctx context.Context, input, output string) error {
	return f(ctx, input, output)
}

// FFmpeg compresses with an ffmpeg child process.
type FFmpeg struct {
	Path   string // ffmpeg binary, defaults to "ffmpeg"
	Codec  string // -vcodec, defaults to "libx264"
	CRF    int    // defaults to 28
	Preset string // defaults to "veryfast"
}

// Args returns the ffmpeg arguments for one compression.
func (f FFmpeg) Args(input, output string) []string {
	codec := f.Codec
	if codec == "" {
		codec = "libx264"
	}
	crf := f.CRF
	if crf <= 0 {
		crf = 28
	}
	preset := f.Preset
	if preset == "" {
		preset = "veryfast"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", input,
		"-vcodec", codec,
		"-crf", strconv.Itoa(crf),
		"-preset", preset,
		"-an",
		output,
	}
}

// Compress runs ffmpeg synchronously.
func (f FFmpeg) Compress(ctx context.Context, input, output string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, f.Args(input, output)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrTranscodeFailed, ctxErr)
		}
		return fmt.Errorf("%w: %w - %s", ErrTranscodeFailed, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

var _ Compressor = FFmpeg{}
