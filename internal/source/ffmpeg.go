package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

type FFmpegConfig struct {
	FFmpegPath string
	// InputFormat is the ffmpeg demuxer: v4l2, dshow, avfoundation, ...
	InputFormat string
	Device      string
	Width       int
	Height      int
	FrameRate   int
}

// FFmpeg reads raw BGRA frames from an ffmpeg subprocess and keeps only
// the latest one. Capture returns that latest frame.
type FFmpeg struct {
	Config FFmpegConfig

	latest atomic.Pointer[model.Frame]
	seq    atomic.Uint64

	locker  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr atomic.Pointer[error]
}

var _ Source = (*FFmpeg)(nil)

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "v4l2"
	}
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	return &FFmpeg{Config: cfg}
}

func (s *FFmpeg) args() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-f", s.Config.InputFormat,
	}
	if s.Config.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.Config.FrameRate))
	}
	args = append(args,
		"-i", s.Config.Device,
		"-vf", fmt.Sprintf("scale=%d:%d", s.Config.Width, s.Config.Height),
		"-pix_fmt", "bgra",
		"-f", "rawvideo",
		"-",
	)
	return args
}

func (s *FFmpeg) Start(ctx context.Context) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.done != nil {
		return nil
	}
	if s.Config.Width <= 0 || s.Config.Height <= 0 {
		return fmt.Errorf("invalid capture size %dx%d", s.Config.Width, s.Config.Height)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.Config.FFmpegPath, s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("unable to get the stdout of ffmpeg: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("unable to get the stderr of ffmpeg: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("unable to start '%s': %w", s.Config.FFmpegPath, err)
	}
	logger.Debugf(ctx, "started ffmpeg %v", cmd.Args)

	s.cancel = cancel
	s.done = make(chan struct{})
	s.exitErr.Store(nil)
	var lastDiagnostic string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		lastDiagnostic = s.logStderr(ctx, stderr)
	}()
	go func() {
		defer close(s.done)
		err := s.readFrames(ctx, stdout)
		// Wait closes the pipes, so the last diagnostics must be read first.
		<-stderrDone
		if waitErr := cmd.Wait(); err == nil && ctx.Err() == nil {
			err = waitErr
		}
		if err != nil && ctx.Err() == nil {
			if lastDiagnostic != "" {
				err = fmt.Errorf("%w (%s)", err, lastDiagnostic)
			}
			logger.Errorf(ctx, "ffmpeg capture ended: %v", err)
			s.exitErr.Store(&err)
		}
		s.latest.Store(nil)
	}()
	return nil
}

// logStderr returns the last line ffmpeg printed.
func (s *FFmpeg) logStderr(ctx context.Context, r io.Reader) string {
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		last = scanner.Text()
		logger.Warnf(ctx, "ffmpeg: %s", last)
	}
	return last
}

// readFrames allocates a new buffer per frame, so published frames are
// never written to again.
func (s *FFmpeg) readFrames(ctx context.Context, r io.Reader) error {
	frameSize := s.Config.Width * s.Config.Height * model.PixelFormatBGRA8.BytesPerPixel()
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("unable to read a frame: %w", err)
		}
		s.latest.Store(&model.Frame{
			Data:       buf,
			Width:      s.Config.Width,
			Height:     s.Config.Height,
			Format:     model.PixelFormatBGRA8,
			Seq:        s.seq.Add(1),
			CapturedAt: time.Now(),
		})
		if ctx.Err() != nil {
			return nil
		}
	}
}

// IsStreaming stays true after ffmpeg died with an error, so the next
// Capture reports the disconnect instead of the source looking idle.
func (s *FFmpeg) IsStreaming() bool {
	return s.latest.Load() != nil || s.exitErr.Load() != nil
}

func (s *FFmpeg) Capture(ctx context.Context) (*model.Frame, error) {
	frame := s.latest.Load()
	if frame != nil {
		return frame, nil
	}
	if errPtr := s.exitErr.Load(); errPtr != nil {
		return nil, fmt.Errorf("%w: device disconnected: %v", pipelineerr.ErrCapture, *errPtr)
	}
	return nil, fmt.Errorf("%w: no frame received yet", pipelineerr.ErrCapture)
}

func (s *FFmpeg) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.done == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.done, s.cancel = nil, nil
	s.exitErr.Store(nil)
	return nil
}
