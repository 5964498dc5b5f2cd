package permission

import (
	"context"
	"errors"
	"sync"

	"voicealarm/internal/domain"
	"voicealarm/internal/logging"
)

// ErrNoAudioHardware is returned by a PromptFunc when the platform reports no
// capture hardware at all. The gate maps it to PermissionRestricted instead
// of surfacing an error.
var ErrNoAudioHardware = errors.New("no audio capture hardware present")

// PromptFunc resolves the OS authorization dialog. It may suspend until the
// user answers.
type PromptFunc func(ctx context.Context) (bool, error)

// StaticPrompt returns a PromptFunc that always resolves to granted, without
// any dialog. Useful for platforms without a permission broker and in tests.
func StaticPrompt(granted bool) PromptFunc {
	return func(context.Context) (bool, error) { return granted, nil }
}

// Gate caches authorization state and drives the one-time OS prompt.
type Gate struct {
	prompt PromptFunc

	statusMu sync.Mutex
	status   domain.PermissionStatus

	// requestMu serializes prompts so concurrent Request calls share one
	// dialog resolution instead of stacking prompts.
	requestMu sync.Mutex
}

func NewGate(prompt PromptFunc) *Gate {
	if prompt == nil {
		prompt = StaticPrompt(true)
	}
	return &Gate{prompt: prompt, status: domain.PermissionNotRequested}
}

// Status is a pure read of the current authorization state.
func (g *Gate) Status() domain.PermissionStatus {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	return g.status
}

// Request resolves authorization. Settled states (authorized, denied,
// restricted) return immediately without re-prompting; not_requested and
// temporarily_denied trigger the prompt. A cancelled or failed prompt leaves
// the gate temporarily denied so a later call can ask again.
func (g *Gate) Request(ctx context.Context) (domain.PermissionStatus, error) {
	g.requestMu.Lock()
	defer g.requestMu.Unlock()

	if status := g.Status(); settled(status) {
		return status, nil
	}

	granted, err := g.prompt(ctx)
	switch {
	case errors.Is(err, ErrNoAudioHardware):
		return g.setStatus(domain.PermissionRestricted), nil
	case err != nil:
		logging.Warnw("permission prompt did not resolve", "err", err)
		return g.setStatus(domain.PermissionTemporarilyDenied), err
	case granted:
		return g.setStatus(domain.PermissionAuthorized), nil
	default:
		return g.setStatus(domain.PermissionDenied), nil
	}
}

func (g *Gate) setStatus(status domain.PermissionStatus) domain.PermissionStatus {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	g.status = status
	return status
}

func settled(status domain.PermissionStatus) bool {
	switch status {
	case domain.PermissionAuthorized, domain.PermissionDenied, domain.PermissionRestricted:
		return true
	}
	return false
}
