package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"voicealarm/internal/domain"
	"voicealarm/internal/match"
	"voicealarm/internal/ports"
)

func TestStartMatchesSpokenKeyword(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "hello there"}
	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "okay wake up"}
	capture := newFakeCapture()
	sink := &fakeSink{}

	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !matched {
		t.Fatalf("expected a keyword match")
	}

	keywords := sink.snapshotKeywords()
	if len(keywords) != 1 || keywords[0] != "wake up" {
		t.Fatalf("unexpected detected keywords: %v", keywords)
	}

	states := sink.snapshotStates()
	wantStates := []domain.SessionState{
		domain.SessionStateRequestingPermission,
		domain.SessionStateCapturing,
		domain.SessionStateMatched,
	}
	if len(states) != len(wantStates) {
		t.Fatalf("unexpected state sequence: %v", states)
	}
	for i, want := range wantStates {
		if states[i] != want {
			t.Fatalf("state %d: want %s, got %s", i, want, states[i])
		}
	}

	if capture.openCount() != 0 {
		t.Fatalf("capture left open after match")
	}
	if stream.closeCalls() == 0 {
		t.Fatalf("stream not closed after match")
	}
	if got := controller.Status(); got.State != domain.SessionStateIdle || got.Active {
		t.Fatalf("expected idle status, got %+v", got)
	}
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	capture := newFakeCapture()
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	results := make(chan bool, 1)
	go func() {
		matched, _ := controller.StartAlarmDismissListening(context.Background(), 30*time.Second)
		results <- matched
	}()

	waitFor(t, func() bool { return controller.Status().State == domain.SessionStateCapturing }, "first session capturing")

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if matched {
		t.Fatalf("second start should not match")
	}
	if got := domain.ReasonOf(err, domain.ReasonNone); got != domain.ReasonAlreadyListening {
		t.Fatalf("expected already_listening, got %s (%v)", got, err)
	}
	if capture.maxOpenCount() > 1 {
		t.Fatalf("more than one capture session was open: %d", capture.maxOpenCount())
	}

	controller.StopListening()
	if matched := <-results; matched {
		t.Fatalf("cancelled session should not report a match")
	}
	if capture.openCount() != 0 {
		t.Fatalf("capture left open after stop")
	}
}

func TestStartFailsWhenPermissionDenied(t *testing.T) {
	t.Parallel()

	capture := newFakeCapture()
	sink := &fakeSink{}
	gate := &fakeGate{status: domain.PermissionDenied}
	controller := newTestController(capture, &fakeProvider{}, sink, gate)

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if matched {
		t.Fatalf("expected no match")
	}
	if got := domain.ReasonOf(err, domain.ReasonNone); got != domain.ReasonPermissionDenied {
		t.Fatalf("expected permission_denied, got %s (%v)", got, err)
	}

	states := sink.snapshotStates()
	if states[len(states)-1] != domain.SessionStateFailed {
		t.Fatalf("expected failed terminal state, got %v", states)
	}
	if capture.startCalls() != 0 {
		t.Fatalf("capture must not open without permission")
	}

	permissions := sink.snapshotPermissions()
	if len(permissions) == 0 || permissions[len(permissions)-1] != domain.PermissionDenied {
		t.Fatalf("expected denied permission update, got %v", permissions)
	}
}

func TestStartTimesOutWithoutMatch(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "nothing relevant"}
	capture := newFakeCapture()
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	start := time.Now()
	matched, err := controller.StartAlarmDismissListening(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if matched {
		t.Fatalf("expected timeout, not match")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}

	states := sink.snapshotStates()
	if states[len(states)-1] != domain.SessionStateTimedOut {
		t.Fatalf("expected timed_out, got %v", states)
	}
	if capture.openCount() != 0 {
		t.Fatalf("capture left open after timeout")
	}
}

func TestStopListeningCancelsActiveSession(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	capture := newFakeCapture()
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	done := make(chan struct{})
	go func() {
		defer close(done)
		matched, err := controller.StartAlarmDismissListening(context.Background(), 30*time.Second)
		if matched || err != nil {
			t.Errorf("unexpected result: matched=%t err=%v", matched, err)
		}
	}()

	waitFor(t, func() bool { return controller.Status().State == domain.SessionStateCapturing }, "session capturing")

	controller.StopListening()
	// Capture must be released before StopListening returns.
	if capture.openCount() != 0 {
		t.Fatalf("capture still open after StopListening returned")
	}
	<-done

	states := sink.snapshotStates()
	if states[len(states)-1] != domain.SessionStateCancelled {
		t.Fatalf("expected cancelled, got %v", states)
	}
}

func TestStopWhileCaptureOpeningReleasesBeforeReturn(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	inner := newFakeCapture()
	capture := &gatedCapture{
		fakeCapture: inner,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	sink := &fakeSink{}
	controller := NewDismissalController(
		authorizedGate(),
		capture,
		&fakeProvider{streams: []*fakeStream{stream}},
		match.NewMatcher(0, nil),
		sink,
		Config{ChunkSize: 512},
	)

	type result struct {
		matched bool
		err     error
	}
	results := make(chan result, 1)
	go func() {
		matched, err := controller.StartAlarmDismissListening(context.Background(), 30*time.Second)
		results <- result{matched, err}
	}()

	// The attempt is inside capture open: no current session recorded yet.
	<-capture.entered
	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		controller.StopListening()
	}()
	<-capture.ctx.Done()
	close(capture.release)
	<-stopDone

	// Stop must not return while the microphone tap is still held.
	if inner.openCount() != 0 {
		t.Fatalf("capture still open after StopListening returned")
	}

	got := <-results
	if got.matched || got.err != nil {
		t.Fatalf("unexpected result: matched=%t err=%v", got.matched, got.err)
	}
	states := sink.snapshotStates()
	if states[len(states)-1] != domain.SessionStateCancelled {
		t.Fatalf("expected cancelled, got %v", states)
	}
	if stream.closeCalls() == 0 {
		t.Fatalf("stream leaked after cancelled acquire")
	}
}

func TestStopWhileRecognizerOpeningResolvesCancelled(t *testing.T) {
	t.Parallel()

	capture := newFakeCapture()
	provider := &blockingProvider{entered: make(chan struct{})}
	sink := &fakeSink{}
	controller := NewDismissalController(
		authorizedGate(),
		capture,
		provider,
		match.NewMatcher(0, nil),
		sink,
		Config{ChunkSize: 512},
	)

	results := make(chan error, 1)
	go func() {
		_, err := controller.StartAlarmDismissListening(context.Background(), 30*time.Second)
		results <- err
	}()

	<-provider.entered
	controller.StopListening()

	if err := <-results; err != nil {
		t.Fatalf("cancelled attempt should not report an error, got %v", err)
	}
	states := sink.snapshotStates()
	if states[len(states)-1] != domain.SessionStateCancelled {
		t.Fatalf("expected cancelled, got %v", states)
	}
	if errs := sink.snapshotErrors(); len(errs) != 0 {
		t.Fatalf("cancelled attempt should not publish session errors, got %v", errs)
	}
	if capture.startCalls() != 0 {
		t.Fatalf("capture must not open during a cancelled acquire")
	}
}

func TestStopListeningWhenIdleIsNoOp(t *testing.T) {
	t.Parallel()

	controller := newTestController(newFakeCapture(), &fakeProvider{}, &fakeSink{}, authorizedGate())
	controller.StopListening()
	controller.StopListening()

	if got := controller.Status(); got.State != domain.SessionStateIdle {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestRecognizerFailureEndsSession(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.events <- domain.TranscriptEvent{
		Kind:   domain.TranscriptKindFailed,
		Reason: domain.ReasonRecognitionTaskFailed,
		Detail: "engine crashed",
	}
	capture := newFakeCapture()
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if matched {
		t.Fatalf("expected failure, not match")
	}
	if got := domain.ReasonOf(err, domain.ReasonNone); got != domain.ReasonRecognitionTaskFailed {
		t.Fatalf("expected recognition_task_failed, got %s (%v)", got, err)
	}

	errorsGot := sink.snapshotErrors()
	if len(errorsGot) == 0 || errorsGot[len(errorsGot)-1].detail != "engine crashed" {
		t.Fatalf("expected error detail, got %v", errorsGot)
	}
	if capture.openCount() != 0 {
		t.Fatalf("capture left open after recognizer failure")
	}
}

func TestProviderOpenFailure(t *testing.T) {
	t.Parallel()

	capture := newFakeCapture()
	sink := &fakeSink{}
	provider := &fakeProvider{err: domain.NewFailure(domain.ReasonSpeechRecognitionUnavailable, errors.New("no service"))}
	controller := newTestController(capture, provider, sink, authorizedGate())

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if matched {
		t.Fatalf("expected failure")
	}
	if got := domain.ReasonOf(err, domain.ReasonNone); got != domain.ReasonSpeechRecognitionUnavailable {
		t.Fatalf("expected speech_recognition_unavailable, got %s (%v)", got, err)
	}
	if capture.startCalls() != 0 {
		t.Fatalf("capture must not open when recognizer is unavailable")
	}
}

func TestCaptureOpenFailureClosesStream(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	capture := newFakeCapture()
	capture.err = domain.NewFailure(domain.ReasonMicrophoneUnavailable, errors.New("device busy"))
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if matched {
		t.Fatalf("expected failure")
	}
	if got := domain.ReasonOf(err, domain.ReasonNone); got != domain.ReasonMicrophoneUnavailable {
		t.Fatalf("expected microphone_unavailable, got %s (%v)", got, err)
	}
	if stream.closeCalls() == 0 {
		t.Fatalf("stream leaked after capture failure")
	}
}

func TestSetKeywordsDuringActiveSession(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	capture := newFakeCapture()
	sink := &fakeSink{}
	controller := newTestController(capture, &fakeProvider{streams: []*fakeStream{stream}}, sink, authorizedGate())

	results := make(chan bool, 1)
	go func() {
		matched, _ := controller.StartAlarmDismissListening(context.Background(), 30*time.Second)
		results <- matched
	}()

	waitFor(t, func() bool { return controller.Status().State == domain.SessionStateCapturing }, "session capturing")

	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "open sesame"}
	waitFor(t, func() bool { return len(sink.snapshotPartials()) == 1 }, "first partial consumed")

	// The replacement snapshot applies to the next match call.
	controller.SetDismissKeywords([]string{"open sesame"})
	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "open sesame"}

	if matched := <-results; !matched {
		t.Fatalf("expected match against replaced keyword set")
	}
	keywords := sink.snapshotKeywords()
	if len(keywords) != 1 || keywords[0] != "open sesame" {
		t.Fatalf("unexpected detected keywords: %v", keywords)
	}
}

func TestTranscriptRewriteAppliedBeforeMatch(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "weak up now"}
	capture := newFakeCapture()
	sink := &fakeSink{}

	controller := NewDismissalController(
		authorizedGate(),
		capture,
		&fakeProvider{streams: []*fakeStream{stream}},
		match.NewMatcher(0, nil),
		sink,
		Config{ChunkSize: 512, Rewriter: rewriteFunc(func(text string) string {
			return strings.ReplaceAll(text, "weak up", "wake up")
		})},
	)

	matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !matched {
		t.Fatalf("expected rewritten transcript to match")
	}

	partials := sink.snapshotPartials()
	if len(partials) != 1 || partials[0] != "wake up now" {
		t.Fatalf("expected rewritten transcript to be published, got %v", partials)
	}
}

func TestResourceHandlesSettleAtZero(t *testing.T) {
	t.Parallel()

	capture := newFakeCapture()
	sink := &fakeSink{}
	gate := authorizedGate()

	// A mixed sequence of match / timeout / failure sessions.
	matchedStream := newFakeStream()
	matchedStream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "dismiss"}
	quietStream := newFakeStream()
	failingStream := newFakeStream()
	failingStream.events <- domain.TranscriptEvent{Kind: domain.TranscriptKindFailed, Detail: "boom"}

	controller := newTestController(capture,
		&fakeProvider{streams: []*fakeStream{matchedStream, quietStream, failingStream}}, sink, gate)

	if matched, err := controller.StartAlarmDismissListening(context.Background(), time.Second); !matched || err != nil {
		t.Fatalf("expected match: %t %v", matched, err)
	}
	if matched, _ := controller.StartAlarmDismissListening(context.Background(), 30*time.Millisecond); matched {
		t.Fatalf("expected timeout")
	}
	if matched, _ := controller.StartAlarmDismissListening(context.Background(), time.Second); matched {
		t.Fatalf("expected failure")
	}

	if capture.maxOpenCount() > 1 {
		t.Fatalf("open handles exceeded 1: %d", capture.maxOpenCount())
	}
	if capture.openCount() != 0 {
		t.Fatalf("open handles did not settle at 0: %d", capture.openCount())
	}
}

func TestKeywordRoundTripThroughController(t *testing.T) {
	t.Parallel()

	controller := newTestController(newFakeCapture(), &fakeProvider{}, &fakeSink{}, authorizedGate())
	controller.SetDismissKeywords([]string{" Snooze Over ", ""})

	got := controller.GetDismissKeywords()
	if len(got) != 1 || got[0] != "snooze over" {
		t.Fatalf("unexpected keywords: %v", got)
	}
}

func newTestController(capture *fakeCapture, provider *fakeProvider, sink *fakeSink, gate *fakeGate) *DismissalController {
	return NewDismissalController(
		gate,
		capture,
		provider,
		match.NewMatcher(0, nil),
		sink,
		Config{ChunkSize: 512},
	)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type rewriteFunc func(string) string

func (f rewriteFunc) Rewrite(text string) string { return f(text) }

func authorizedGate() *fakeGate {
	return &fakeGate{status: domain.PermissionAuthorized}
}

type fakeGate struct {
	mu       sync.Mutex
	status   domain.PermissionStatus
	err      error
	requests int
}

func (f *fakeGate) Status() domain.PermissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeGate) Request(_ context.Context) (domain.PermissionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.status, f.err
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	starts  int
	open    int
	maxOpen int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{}
}

func (f *fakeCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts++
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &fakeAudioSession{capture: f, stopped: make(chan struct{})}, nil
}

func (f *fakeCapture) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapture) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeCapture) maxOpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

type fakeAudioSession struct {
	capture  *fakeCapture
	stopOnce sync.Once
	stopped  chan struct{}
}

func (f *fakeAudioSession) Read(_ []byte) (int, error) {
	<-f.stopped
	return 0, io.EOF
}

func (f *fakeAudioSession) Close() error { return f.Stop() }

func (f *fakeAudioSession) Stop() error {
	f.stopOnce.Do(func() {
		close(f.stopped)
		f.capture.mu.Lock()
		f.capture.open--
		f.capture.mu.Unlock()
	})
	return nil
}

// gatedCapture parks Start until released so tests can hold an attempt inside
// the capture-open step.
type gatedCapture struct {
	*fakeCapture
	entered chan struct{}
	release chan struct{}
	ctx     context.Context
}

func (g *gatedCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	g.ctx = ctx
	close(g.entered)
	<-g.release
	return g.fakeCapture.Start(ctx, cfg)
}

// blockingProvider parks StartStreaming until the attempt context ends.
type blockingProvider struct {
	entered chan struct{}
}

func (p *blockingProvider) StartStreaming(ctx context.Context, _ ports.StreamingConfig) (ports.StreamingSession, error) {
	close(p.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	calls   int
}

func (f *fakeProvider) StartStreaming(_ context.Context, _ ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.streams) {
		return nil, errors.New("no stream session configured")
	}
	stream := f.streams[f.calls]
	f.calls++
	return stream, nil
}

type fakeStream struct {
	events chan domain.TranscriptEvent

	mu     sync.Mutex
	closed bool
	closes int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan domain.TranscriptEvent, 16)}
}

func (f *fakeStream) SendAudio(_ []byte) error { return nil }

func (f *fakeStream) CloseSend() error { return nil }

func (f *fakeStream) Events() <-chan domain.TranscriptEvent { return f.events }

func (f *fakeStream) Wait() error { return nil }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		close(f.events)
		f.closed = true
	}
	return nil
}

func (f *fakeStream) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSink struct {
	mu sync.Mutex

	states      []domain.SessionState
	permissions []domain.PermissionStatus
	partials    []string
	keywords    []string
	errs        []errEvent
}

type errEvent struct {
	reason domain.FailureReason
	detail string
}

func (f *fakeSink) SessionStateChanged(state domain.SessionState, _ domain.FailureReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeSink) PermissionChanged(status domain.PermissionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, status)
}

func (f *fakeSink) PartialTranscript(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, text)
}

func (f *fakeSink) KeywordDetected(keyword string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywords = append(f.keywords, keyword)
}

func (f *fakeSink) SessionError(reason domain.FailureReason, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errEvent{reason: reason, detail: detail})
}

func (f *fakeSink) snapshotStates() []domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionState, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeSink) snapshotPermissions() []domain.PermissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PermissionStatus, len(f.permissions))
	copy(out, f.permissions)
	return out
}

func (f *fakeSink) snapshotPartials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.partials))
	copy(out, f.partials)
	return out
}

func (f *fakeSink) snapshotKeywords() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keywords))
	copy(out, f.keywords)
	return out
}

func (f *fakeSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errs))
	copy(out, f.errs)
	return out
}
