package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicealarm/internal/domain"
	"voicealarm/internal/logging"
	"voicealarm/internal/ports"
)

// DefaultListenTimeout bounds a listening session when the caller does not
// supply its own timeout.
const DefaultListenTimeout = 30 * time.Second

// Config controls dismissal session behavior. A nil Rewriter leaves
// transcripts untouched.
type Config struct {
	Audio         ports.AudioConfig
	Streaming     ports.StreamingConfig
	Rewriter      ports.TranscriptRewriter
	ChunkSize     int
	ListenTimeout time.Duration
}

// DismissalController orchestrates one voice-dismissal listening session at a
// time: permission, capture, streaming recognition, keyword matching, and the
// session timeout. All state transitions are serialized under one mutex and
// published through the EventSink.
type DismissalController struct {
	gate     ports.PermissionGate
	audio    ports.AudioCapture
	provider ports.TranscriptionProvider
	matcher  ports.KeywordMatcher
	events   ports.EventSink
	cfg      Config

	mu            sync.Mutex
	state         domain.SessionState
	current       *dismissalSession
	attemptCancel context.CancelFunc
	attemptDone   chan struct{} // closed when the in-flight attempt fully resolves
}

func NewDismissalController(
	gate ports.PermissionGate,
	audio ports.AudioCapture,
	provider ports.TranscriptionProvider,
	matcher ports.KeywordMatcher,
	events ports.EventSink,
	cfg Config,
) *DismissalController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = DefaultListenTimeout
	}
	return &DismissalController{
		gate:     gate,
		audio:    audio,
		provider: provider,
		matcher:  matcher,
		events:   events,
		cfg:      cfg,
		state:    domain.SessionStateIdle,
	}
}

// StartAlarmDismissListening runs one listening session and blocks until a
// terminal state is reached. It returns true only when a dismissal keyword
// was matched. A second call while a session is live fails immediately with
// already_listening. timeout <= 0 selects the configured default.
func (c *DismissalController) StartAlarmDismissListening(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = c.cfg.ListenTimeout
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != domain.SessionStateIdle {
		c.mu.Unlock()
		c.events.SessionError(domain.ReasonAlreadyListening, domain.ReasonAlreadyListening.Description())
		return false, domain.NewFailure(domain.ReasonAlreadyListening, nil)
	}
	attemptDone := make(chan struct{})
	c.state = domain.SessionStateRequestingPermission
	c.attemptCancel = cancel
	c.attemptDone = attemptDone
	c.mu.Unlock()
	// Closed only once every resource the attempt acquired is released, so a
	// stop arriving mid-acquire can wait for the capture teardown.
	defer close(attemptDone)
	c.events.SessionStateChanged(domain.SessionStateRequestingPermission, domain.ReasonNone)

	sess, err := c.acquire(attemptCtx, timeout)
	if err != nil || sess == nil {
		return false, err
	}
	return c.run(attemptCtx, sess)
}

// acquire resolves permission and opens the recognizer/capture pair. A nil
// session with nil error means the attempt was cancelled before capture.
func (c *DismissalController) acquire(ctx context.Context, timeout time.Duration) (*dismissalSession, error) {
	status, err := c.gate.Request(ctx)
	c.events.PermissionChanged(status)
	if ctx.Err() != nil {
		c.abort(domain.SessionStateCancelled, domain.ReasonNone, "")
		return nil, nil
	}
	if err != nil || status != domain.PermissionAuthorized {
		c.abort(domain.SessionStateFailed, domain.ReasonPermissionDenied, domain.ReasonPermissionDenied.Description())
		return nil, domain.NewFailure(domain.ReasonPermissionDenied, err)
	}

	stream, err := c.provider.StartStreaming(ctx, c.cfg.Streaming)
	if err != nil {
		if ctx.Err() != nil {
			c.abort(domain.SessionStateCancelled, domain.ReasonNone, "")
			return nil, nil
		}
		reason := domain.ReasonOf(err, domain.ReasonSpeechRecognitionUnavailable)
		c.abort(domain.SessionStateFailed, reason, err.Error())
		return nil, domain.NewFailure(reason, err)
	}

	audioSession, err := c.audio.Start(ctx, c.cfg.Audio)
	if err != nil {
		_ = stream.Close()
		if ctx.Err() != nil {
			c.abort(domain.SessionStateCancelled, domain.ReasonNone, "")
			return nil, nil
		}
		reason := domain.ReasonOf(err, domain.ReasonAudioEngineFailure)
		c.abort(domain.SessionStateFailed, reason, err.Error())
		return nil, domain.NewFailure(reason, err)
	}

	if ctx.Err() != nil {
		// Cancelled while capture was opening; release before resolving.
		_ = audioSession.Stop()
		_ = stream.Close()
		c.abort(domain.SessionStateCancelled, domain.ReasonNone, "")
		return nil, nil
	}

	sess := &dismissalSession{
		id:        uuid.NewString(),
		audio:     audioSession,
		stream:    stream,
		timer:     time.NewTimer(timeout),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		audioDone: make(chan struct{}),
	}

	c.mu.Lock()
	c.state = domain.SessionStateCapturing
	c.current = sess
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateCapturing, domain.ReasonNone)
	logging.Infow("dismissal session capturing", "session_id", sess.id, "timeout", timeout)

	go pumpAudioChunks(sess.audio, sess.stream, c.cfg.ChunkSize, sess.audioDone)
	return sess, nil
}

// run consumes transcript events until a terminal condition: keyword match,
// recognizer failure, timeout, stop request, or context cancellation.
func (c *DismissalController) run(ctx context.Context, sess *dismissalSession) (bool, error) {
	events := sess.stream.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Recognizer sequence over without a match; the timeout
				// or a stop request still ends the session.
				events = nil
				continue
			}
			switch event.Kind {
			case domain.TranscriptKindPartial, domain.TranscriptKindFinal:
				text := event.Text
				if c.cfg.Rewriter != nil {
					text = c.cfg.Rewriter.Rewrite(text)
				}
				c.events.PartialTranscript(text)
				if result := c.matcher.Match(text); result.Matched() {
					c.events.KeywordDetected(result.MatchedKeyword, result.Similarity)
					c.finish(sess, domain.SessionStateMatched, domain.ReasonNone)
					return true, nil
				}
			case domain.TranscriptKindFailed:
				reason := event.Reason
				if reason == domain.ReasonNone {
					reason = domain.ReasonRecognitionTaskFailed
				}
				c.events.SessionError(reason, event.Detail)
				c.finish(sess, domain.SessionStateFailed, reason)
				return false, domain.NewFailure(reason, errors.New(event.Detail))
			}
		case <-sess.timer.C:
			c.finish(sess, domain.SessionStateTimedOut, domain.ReasonNone)
			return false, nil
		case <-sess.stop:
			c.finish(sess, domain.SessionStateCancelled, domain.ReasonNone)
			return false, nil
		case <-ctx.Done():
			c.finish(sess, domain.SessionStateCancelled, domain.ReasonNone)
			return false, ctx.Err()
		}
	}
}

// StopListening cancels any in-flight session. Safe to call from any state,
// any goroutine, and any number of times; a no-op when idle. It does not
// return until any capture the session opened has been released.
func (c *DismissalController) StopListening() {
	c.mu.Lock()
	sess := c.current
	cancelAttempt := c.attemptCancel
	attemptDone := c.attemptDone
	pending := c.state == domain.SessionStateRequestingPermission
	c.mu.Unlock()

	if sess != nil {
		sess.requestStop()
		<-sess.done
		return
	}
	if pending && cancelAttempt != nil {
		// The attempt may already hold a capture handle it has not yet
		// recorded as the current session. Cancel and wait for the attempt
		// to resolve so the microphone is released before returning.
		cancelAttempt()
		if attemptDone != nil {
			<-attemptDone
		}
	}
}

// RequestPermissions resolves microphone/speech authorization ahead of an
// alarm and reports whether it is granted.
func (c *DismissalController) RequestPermissions(ctx context.Context) (bool, error) {
	status, err := c.gate.Request(ctx)
	c.events.PermissionChanged(status)
	return status == domain.PermissionAuthorized, err
}

// PermissionStatus is a pure read of the current authorization state.
func (c *DismissalController) PermissionStatus() domain.PermissionStatus {
	return c.gate.Status()
}

// SetDismissKeywords atomically replaces the dismissal phrase set. Safe to
// call while a session is capturing; the next match sees the new snapshot.
func (c *DismissalController) SetDismissKeywords(phrases []string) {
	c.matcher.SetKeywords(phrases)
}

// GetDismissKeywords returns the normalized phrase set currently configured.
func (c *DismissalController) GetDismissKeywords() []string {
	return c.matcher.Keywords()
}

// Status returns the current session status.
func (c *DismissalController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Status{
		State:  c.state,
		Active: c.state != domain.SessionStateIdle,
	}
}

// abort publishes a terminal state for an attempt that never opened capture.
func (c *DismissalController) abort(state domain.SessionState, reason domain.FailureReason, detail string) {
	if reason != domain.ReasonNone {
		c.events.SessionError(reason, detail)
	}
	c.events.SessionStateChanged(state, reason)
	c.mu.Lock()
	c.state = domain.SessionStateIdle
	c.attemptCancel = nil
	c.attemptDone = nil
	c.mu.Unlock()
}

// finish tears a live session down: stop the timer, release capture and
// recognizer on every path, publish the terminal state, reset to idle.
func (c *DismissalController) finish(sess *dismissalSession, state domain.SessionState, reason domain.FailureReason) {
	sess.timer.Stop()
	if err := sess.audio.Stop(); err != nil {
		logging.Warnw("audio capture did not stop cleanly", "session_id", sess.id, "err", err)
	}
	_ = sess.stream.Close()
	<-sess.audioDone

	c.events.SessionStateChanged(state, reason)
	logging.Infow("dismissal session finished", "session_id", sess.id, "state", state, "reason", reason)

	c.mu.Lock()
	c.state = domain.SessionStateIdle
	c.current = nil
	c.attemptCancel = nil
	c.attemptDone = nil
	c.mu.Unlock()
	close(sess.done)
}
