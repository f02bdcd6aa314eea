package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeInfo describes the first video stream of a source.
type ProbeInfo struct {
	Codec  string
	Width  int
	Height int
	FPS    float64
}

type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe runs ffprobe against address and returns the video stream geometry
// and frame rate.
func Probe(ctx context.Context, ffprobePath, address string, inputArgs []string) (*ProbeInfo, error) {
	args := []string{"-v", "error"}
	args = append(args, inputArgs...)
	args = append(args,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,avg_frame_rate,r_frame_rate",
		"-of", "json",
		address,
	)

	cmd := exec.CommandContext(ctx, ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe error: %w - %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (*ProbeInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}

	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps == 0 {
		fps = parseRate(s.RFrameRate)
	}

	return &ProbeInfo{
		Codec:  s.CodecName,
		Width:  s.Width,
		Height: s.Height,
		FPS:    fps,
	}, nil
}

// parseRate converts an ffprobe rational ("30000/1001", "25/1", "0/0") to a
// float. Unknown or malformed rates yield 0.
func parseRate(v string) float64 {
	num, den, found := strings.Cut(v, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
