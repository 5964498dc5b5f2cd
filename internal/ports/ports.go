package ports

import (
	"context"
	"io"

	"voicealarm/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session. Stop is idempotent and always
// releases the hardware tap, including after errors.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions. At most one session may
// be open per process; a second Start fails with domain.ReasonAlreadyListening.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active recognizer session. Events delivers partial
// hypotheses and exactly one terminal event, then closes; the session is not
// restartable.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognition sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// PermissionGate tracks and requests OS authorization for audio capture and
// speech recognition.
type PermissionGate interface {
	// Status is a pure read of the current authorization state.
	Status() domain.PermissionStatus
	// Request resolves the OS prompt on first call and is idempotent
	// afterwards: authorized/denied/restricted return immediately without
	// re-prompting.
	Request(ctx context.Context) (domain.PermissionStatus, error)
}

// TranscriptRewriter normalizes recognizer output before keyword matching,
// e.g. mapping known mishearings back onto dismissal phrases.
type TranscriptRewriter interface {
	Rewrite(text string) string
}

// KeywordMatcher matches transcript fragments against the configured
// dismissal phrases.
type KeywordMatcher interface {
	Match(text string) domain.MatchResult
	SetKeywords(phrases []string)
	Keywords() []string
}

// EventSink receives session state and transcript updates for the
// presentation layer.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.FailureReason)
	PermissionChanged(status domain.PermissionStatus)
	PartialTranscript(text string)
	KeywordDetected(keyword string, similarity float64)
	SessionError(reason domain.FailureReason, detail string)
}
