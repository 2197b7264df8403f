package loop

import (
	"context"
	"sync"

	"github.com/ShayCichocki/loom/internal/logging"
)

// PauseController holds a loop between ticks. In-flight nodes keep
// running while paused; only new decisions wait.
type PauseController struct {
	mu   sync.Mutex
	gate chan struct{} // non-nil while paused

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPauseController returns a running (unpaused) controller.
func NewPauseController() *PauseController {
	return &PauseController{stopped: make(chan struct{})}
}

// Pause holds the loop before its next tick. Pausing twice is a no-op.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate == nil {
		p.gate = make(chan struct{})
		logging.Debugf("[loop] paused")
	}
}

// Resume releases every waiter.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
		logging.Debugf("[loop] resumed")
	}
}

// Stop releases waiters for good; later waits return ErrStopped.
func (p *PauseController) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate != nil
}

// WaitIfPaused returns once the loop may tick: immediately when running,
// otherwise after Resume. It returns ErrStopped after Stop and ctx.Err()
// if ctx ends while paused.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-p.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-p.stopped:
		return ErrStopped
	default:
		return nil
	}
}
