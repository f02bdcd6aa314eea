package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FFmpegConfig configures ffmpeg-backed sources.
type FFmpegConfig struct {
	FFmpegPath    string
	FFprobePath   string
	ProbeTimeout  time.Duration
	ReadTimeout   time.Duration // per frame; zero waits indefinitely
	RTSPTransport string        // "tcp" | "udp"
}

// ErrReadTimeout is returned when a source sends no frame within the read
// timeout.
var ErrReadTimeout = errors.New("frame read timed out")

// FFmpegOpener opens sources by decoding them with an ffmpeg child process
// that writes rgb24 frames to stdout.
type FFmpegOpener struct {
	cfg FFmpegConfig
	log *slog.Logger
}

// NewFFmpegOpener creates an opener with defaults applied.
func NewFFmpegOpener(cfg FFmpegConfig, log *slog.Logger) *FFmpegOpener {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.RTSPTransport == "" {
		cfg.RTSPTransport = "tcp"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegOpener{cfg: cfg, log: log}
}

// inputArgs returns protocol options that must precede -i.
func (o *FFmpegOpener) inputArgs(address string) []string {
	if strings.HasPrefix(strings.ToLower(address), "rtsp://") || strings.HasPrefix(strings.ToLower(address), "rtsps://") {
		return []string{"-rtsp_transport", o.cfg.RTSPTransport}
	}
	return nil
}

// Open probes the source and starts a decoder for it.
func (o *FFmpegOpener) Open(ctx context.Context, index int, address string) (Handle, error) {
	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	info, err := Probe(probeCtx, o.cfg.FFprobePath, address, o.inputArgs(address))
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, o.inputArgs(address)...)
	args = append(args,
		"-i", address,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)

	// The decoder outlives the open call, so it gets its own context.
	procCtx, procCancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, o.cfg.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		procCancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	o.log.Info("source opened",
		"source_index", index,
		"source", Redact(address),
		"codec", info.Codec,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
	)

	return &ffmpegHandle{
		index:       index,
		address:     address,
		info:        *info,
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		cancel:      procCancel,
		readTimeout: o.cfg.ReadTimeout,
		buf:         make([]byte, info.Width*info.Height*3),
	}, nil
}

type ffmpegHandle struct {
	index   int
	address string
	info    ProbeInfo

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc
	buf    []byte

	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (h *ffmpegHandle) Index() int      { return h.index }
func (h *ffmpegHandle) Address() string { return h.address }
func (h *ffmpegHandle) FPS() float64    { return h.info.FPS }

// ReadFrame reads one rgb24 frame. Cancelling ctx or hitting the read
// timeout kills the decoder, so the handle is unusable afterwards.
func (h *ffmpegHandle) ReadFrame(ctx context.Context) (image.Image, error) {
	readCtx := ctx
	if h.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, h.readTimeout)
		defer cancel()
	}

	stop := context.AfterFunc(readCtx, h.cancel)
	_, err := io.ReadFull(h.stdout, h.buf)
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no frame within %s", ErrReadTimeout, h.readTimeout)
		}
		if msg := h.stderr.String(); msg != "" {
			return nil, fmt.Errorf("read frame: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	return decodeRGB24(h.buf, h.info.Width, h.info.Height), nil
}

func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			h.closeErr = err
		}
	})
	return h.closeErr
}

// decodeRGB24 converts packed rgb24 pixels into an RGBA image.
func decodeRGB24(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(data) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
