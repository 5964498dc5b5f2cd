package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"voicealarm/internal/domain"
	"voicealarm/internal/ports"
)

// startupProbe is how long Start waits for ffmpeg to survive before treating
// the capture as live.
const startupProbe = 250 * time.Millisecond

// FFmpegCapture streams microphone PCM audio using an ffmpeg subprocess.
// The microphone tap is exclusive: only one session may be open at a time,
// and a second Start fails with domain.ReasonAlreadyListening.
type FFmpegCapture struct {
	command string
	open    atomic.Bool
}

func NewFFmpegCapture(command string) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegCapture{command: command}
}

func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if !c.open.CompareAndSwap(false, true) {
		return nil, domain.NewFailure(domain.ReasonAlreadyListening, errors.New("capture session already open"))
	}
	session, err := c.start(ctx, cfg)
	if err != nil {
		c.open.Store(false)
		return nil, err
	}
	return session, nil
}

func (c *FFmpegCapture) start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewFailure(domain.ReasonAudioEngineFailure,
			fmt.Errorf("failed to create capture stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.NewFailure(domain.ReasonAudioEngineFailure,
			fmt.Errorf("failed to start capture process: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// An immediate exit means the device is busy or absent rather than a
	// lower-level engine fault.
	select {
	case err := <-waitErr:
		detail := trimmed(stderr.String())
		if err != nil {
			return nil, domain.NewFailure(domain.ReasonMicrophoneUnavailable,
				fmt.Errorf("capture exited before audio started: %w: %s", err, detail))
		}
		return nil, domain.NewFailure(domain.ReasonMicrophoneUnavailable,
			fmt.Errorf("capture exited before audio started: %s", detail))
	case <-time.After(startupProbe):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		release: func() { c.open.Store(false) },
	}, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error
	release func()

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop is idempotent and always releases the microphone tap, even after an
// error or a timed-out session.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		defer s.release()

		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimmed(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimmed(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
