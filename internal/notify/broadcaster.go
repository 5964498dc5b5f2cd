package notify

import (
	"sync"

	"voicealarm/internal/domain"
	"voicealarm/internal/logging"
)

// Broadcaster fans session events out to subscribers as snapshot updates.
// It implements ports.EventSink so the controller stays decoupled from the
// presentation layer. Delivery is push-based and never blocks the publisher:
// a slow subscriber keeps only the latest snapshot.
type Broadcaster struct {
	mu       sync.Mutex
	snapshot domain.Snapshot
	subs     map[int]chan domain.Snapshot
	nextID   int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		snapshot: domain.Snapshot{PermissionStatus: domain.PermissionNotRequested},
		subs:     make(map[int]chan domain.Snapshot),
	}
}

// Subscribe registers a snapshot channel. The returned cancel func removes
// the subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan domain.Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Snapshot, buffer)
	b.subs[id] = ch
	ch <- b.snapshot
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the latest published observable state.
func (b *Broadcaster) Snapshot() domain.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

func (b *Broadcaster) SessionStateChanged(state domain.SessionState, reason domain.FailureReason) {
	logging.Infow("session state changed", "state", state, "reason", reason)
	b.update(func(s *domain.Snapshot) {
		s.IsListening = state == domain.SessionStateRequestingPermission || state == domain.SessionStateCapturing
		if state == domain.SessionStateRequestingPermission {
			// New session: clear leftovers from the previous one.
			s.RecognizedText = ""
			s.DetectedDismissKeyword = ""
		}
	})
}

func (b *Broadcaster) PermissionChanged(status domain.PermissionStatus) {
	b.update(func(s *domain.Snapshot) { s.PermissionStatus = status })
}

func (b *Broadcaster) PartialTranscript(text string) {
	b.update(func(s *domain.Snapshot) { s.RecognizedText = text })
}

func (b *Broadcaster) KeywordDetected(keyword string, similarity float64) {
	logging.Infow("dismiss keyword detected", "keyword", keyword, "similarity", similarity)
	b.update(func(s *domain.Snapshot) { s.DetectedDismissKeyword = keyword })
}

func (b *Broadcaster) SessionError(reason domain.FailureReason, detail string) {
	logging.Warnw("session error", "reason", reason, "detail", detail)
}

func (b *Broadcaster) update(apply func(*domain.Snapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	apply(&b.snapshot)
	for _, ch := range b.subs {
		select {
		case ch <- b.snapshot:
		default:
			// Full buffer: drop the stale snapshot so the latest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- b.snapshot:
			default:
			}
		}
	}
}
