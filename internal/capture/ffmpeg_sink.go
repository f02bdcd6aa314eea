package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegSinkOpener encodes raw segments by piping rgba frames into ffmpeg.
type FFmpegSinkOpener struct {
	FFmpegPath string
	Codec      string // defaults to "mpeg4"
	Quality    int    // -q:v, defaults to 3
}

// OpenSink starts an encoder writing to path.
func (o FFmpegSinkOpener) OpenSink(ctx context.Context, path string, width, height int, fps float64) (Sink, error) {
	bin := o.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	codec := o.Codec
	if codec == "" {
		codec = "mpeg4"
	}
	quality := o.Quality
	if quality <= 0 {
		quality = 3
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		"-c:v", codec,
		"-q:v", strconv.Itoa(quality),
		path,
	}

	// The encoder must be allowed to flush after ctx is cancelled, so it is
	// not bound to ctx.
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &ffmpegSink{
		cmd:       cmd,
		stdin:     stdin,
		stderr:    &stderr,
		frameSize: width * height * 4,
	}, nil
}

type ffmpegSink struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *bytes.Buffer
	frameSize int
	closed    bool
}

func (s *ffmpegSink) WriteFrame(frame *image.NRGBA) error {
	if len(frame.Pix) != s.frameSize {
		return fmt.Errorf("frame has %d bytes, encoder expects %d", len(frame.Pix), s.frameSize)
	}
	if _, err := s.stdin.Write(frame.Pix); err != nil {
		return fmt.Errorf("encoding error: %w", err)
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoding error: %w - %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}
