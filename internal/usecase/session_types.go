package usecase

import (
	"sync"
	"time"

	"voicealarm/internal/ports"
)

// dismissalSession is one live listening attempt: the exclusive capture and
// recognizer handles plus the one-shot timeout timer.
type dismissalSession struct {
	id     string
	audio  ports.AudioSession
	stream ports.StreamingSession
	timer  *time.Timer

	stopOnce  sync.Once
	stop      chan struct{} // closed by StopListening
	done      chan struct{} // closed once all resources are released
	audioDone chan struct{}
}

// requestStop is safe to call multiple times and from any goroutine.
func (s *dismissalSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
