// Package probe extracts video metadata with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// DefaultFrameRate is used when ffprobe reports no usable frame rate.
const DefaultFrameRate = 30.0

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Prober probes in-memory videos by writing them to a temporary file.
type Prober struct {
	ffprobePath string
	tempDir     string
	timeout     time.Duration
	run         Runner
	logger      *slog.Logger
}

// Option customizes a Prober.
type Option func(*Prober)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(p *Prober) { p.run = r }
}

// New creates a Prober.
func New(ffprobePath, tempDir string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	p := &Prober{
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
		timeout:     timeout,
		run:         ExecRunner,
		logger:      logger.With("component", "probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ffprobeOutput struct {
	Streams []struct {
		NbReadFrames string `json:"nb_read_frames"`
		Duration     string `json:"duration"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe returns the metadata of the first video stream in data. The
// temporary file is removed before returning on every path.
func (p *Prober) Probe(ctx context.Context, data []byte, filename string) (models.VideoInfo, error) {
	path := filepath.Join(p.tempDir, tempName(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return models.VideoInfo{}, fmt.Errorf("%w: write temp file: %v", apperr.ErrProbe, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove temp file", "path", path, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_frames",
		"-show_entries", "stream=nb_read_frames,duration,width,height,avg_frame_rate",
		"-of", "json",
		path)
	if err != nil {
		if ctx.Err() != nil {
			return models.VideoInfo{}, fmt.Errorf("%w: ffprobe timed out after %s", apperr.ErrProbe, p.timeout)
		}
		return models.VideoInfo{}, fmt.Errorf("%w: ffprobe %s: %v", apperr.ErrProbe, filename, err)
	}

	info, err := parseOutput(out)
	if err != nil {
		return models.VideoInfo{}, fmt.Errorf("%w: %s: %v", apperr.ErrProbe, filename, err)
	}
	return info, nil
}

func parseOutput(out []byte) (models.VideoInfo, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return models.VideoInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return models.VideoInfo{}, errors.New("no video stream found")
	}

	s := parsed.Streams[0]
	frames, _ := strconv.Atoi(s.NbReadFrames)
	duration, _ := strconv.ParseFloat(s.Duration, 64)
	return models.VideoInfo{
		FrameCount: frames,
		Duration:   duration,
		Width:      s.Width,
		Height:     s.Height,
		FrameRate:  ParseFrameRate(s.AvgFrameRate),
	}, nil
}

// ParseFrameRate parses ffprobe's "num/den" or plain-number frame rate.
// Unparseable values, "N/A", a zero denominator and any result that is not a
// finite positive number yield DefaultFrameRate.
func ParseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	rate, err := strconv.ParseFloat(s, 64)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return DefaultFrameRate
		}
		rate, err = n/d, nil
	}
	if err != nil || math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return DefaultFrameRate
	}
	return rate
}

// tempName builds "<unixnano>-<random><ext>".
func tempName(filename string) string {
	return fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), strconv.FormatUint(rand.Uint64(), 36), filepath.Ext(filename))
}
