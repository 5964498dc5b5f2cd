package domain

// PermissionStatus reports microphone/speech authorization.
// It only changes through an explicit request, never silently.
type PermissionStatus string

const (
	PermissionNotRequested      PermissionStatus = "not_requested"
	PermissionAuthorized        PermissionStatus = "authorized"
	PermissionDenied            PermissionStatus = "denied"
	PermissionRestricted        PermissionStatus = "restricted"
	PermissionTemporarilyDenied PermissionStatus = "temporarily_denied"
)

// SessionState models the voice-dismissal listening lifecycle.
type SessionState string

const (
	SessionStateIdle                 SessionState = "idle"
	SessionStateRequestingPermission SessionState = "requesting_permission"
	SessionStateCapturing            SessionState = "capturing"
	SessionStateMatched              SessionState = "matched"
	SessionStateTimedOut             SessionState = "timed_out"
	SessionStateFailed               SessionState = "failed"
	SessionStateCancelled            SessionState = "cancelled"
)

// Terminal reports whether a state ends the session. Every terminal state
// auto-resets to idle after publication.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateMatched, SessionStateTimedOut, SessionStateFailed, SessionStateCancelled:
		return true
	}
	return false
}

// FailureReason identifies why a session ended in the failed state.
type FailureReason string

const (
	ReasonNone                         FailureReason = ""
	ReasonPermissionDenied             FailureReason = "permission_denied"
	ReasonSpeechRecognitionUnavailable FailureReason = "speech_recognition_unavailable"
	ReasonAudioEngineFailure           FailureReason = "audio_engine_failure"
	ReasonRecognitionTaskFailed        FailureReason = "recognition_task_failed"
	ReasonMicrophoneUnavailable        FailureReason = "microphone_unavailable"
	ReasonAlreadyListening             FailureReason = "already_listening"
)

// Description returns a human-readable message suitable for UI display.
func (r FailureReason) Description() string {
	switch r {
	case ReasonPermissionDenied:
		return "Microphone or speech permission was not granted"
	case ReasonSpeechRecognitionUnavailable:
		return "Speech recognition is not available on this device"
	case ReasonAudioEngineFailure:
		return "Audio capture failed to start"
	case ReasonRecognitionTaskFailed:
		return "Speech recognition ended unexpectedly"
	case ReasonMicrophoneUnavailable:
		return "Microphone is busy or absent"
	case ReasonAlreadyListening:
		return "A listening session is already active"
	default:
		return ""
	}
}

// TranscriptKind tags incremental recognizer output.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
	TranscriptKindFailed  TranscriptKind = "failed"
	TranscriptKindEnded   TranscriptKind = "ended"
)

// Terminal reports whether this event ends the recognizer stream.
func (k TranscriptKind) Terminal() bool {
	return k == TranscriptKindFinal || k == TranscriptKindFailed || k == TranscriptKindEnded
}

// TranscriptEvent is one hypothesis (or terminal signal) from the recognizer.
// Reason and Detail are populated only for failed events.
type TranscriptEvent struct {
	Kind   TranscriptKind `json:"kind"`
	Text   string         `json:"text"`
	Reason FailureReason  `json:"reason,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// MatchResult is the outcome of matching one transcript fragment against the
// configured keyword set. MatchedKeyword is empty when nothing cleared the
// threshold; Similarity still reports the best score seen.
type MatchResult struct {
	MatchedKeyword string  `json:"matchedKeyword,omitempty"`
	Similarity     float64 `json:"similarity"`
}

// Matched reports whether a keyword cleared the similarity threshold.
func (m MatchResult) Matched() bool { return m.MatchedKeyword != "" }

// Status summarizes the controller's current runtime state.
type Status struct {
	State   SessionState `json:"state"`
	Active  bool         `json:"active"`
	Message string       `json:"message,omitempty"`
}

// Snapshot is the latest observable surface published to the presentation
// layer. Initial values are false, "", PermissionNotRequested, "".
type Snapshot struct {
	IsListening            bool             `json:"isListening"`
	RecognizedText         string           `json:"recognizedText"`
	PermissionStatus       PermissionStatus `json:"permissionStatus"`
	DetectedDismissKeyword string           `json:"detectedDismissKeyword,omitempty"`
}
