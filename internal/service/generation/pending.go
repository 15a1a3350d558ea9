package generation

import (
	"context"
	"sync"

	"loom-backend/internal/domain/shared"
)

// Pending tracks one in-flight generation.
type Pending struct {
	NodeID       shared.NodeID
	Placeholders []shared.NodeID

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	applied []shared.NodeID
	err     error
}

func (p *Pending) finish(applied []shared.NodeID, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.applied = applied
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Done is closed once the result has been applied (or dropped).
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cancel aborts the provider call if it is still running. Placeholders are
// still resolved: a cancelled generation is applied as a failure.
func (p *Pending) Cancel() { p.cancel() }

// Wait blocks until the generation is resolved and returns its error.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the generation error once resolved.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Applied returns the placeholders that received a completion.
func (p *Pending) Applied() []shared.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]shared.NodeID(nil), p.applied...)
}
