// Package session owns a document tree on a single goroutine.
//
// SINGLE-WRITER MODEL:
//
// A tree.Tree is not safe for concurrent use. Instead of locking every node,
// one goroutine (the one running Session.Run) holds the tree and executes
// commands from a queue one at a time:
//   - Do submits a closure and waits for its result. HTTP handlers and CLI
//     commands use it for reads and foreground edits.
//   - Dispatch submits a closure without waiting. Background workers (text
//     generation) use it to hand results back to the owner.
//
// Snapshots that leave the owner must be copies taken inside the closure;
// *tree.Node values must never be retained across commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

// ErrStopped is returned when a command is submitted after Run has returned.
var ErrStopped = errors.New("session: stopped")

// DefaultQueueSize is the command queue capacity used when none is configured.
const DefaultQueueSize = 64

// Session serializes all access to one tree.
type Session struct {
	tree     *tree.Tree
	commands chan func(*tree.Tree)
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger

	// gate orders enqueues before the final drain: once closed is set under
	// the write lock, no command can enter the queue.
	gate   sync.RWMutex
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithQueueSize sets the command queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.commands = make(chan func(*tree.Tree), n)
		}
	}
}

// New creates a session owning t. Run must be started before commands are
// executed.
func New(t *tree.Tree, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		tree:     t,
		commands: make(chan func(*tree.Tree), DefaultQueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes queued commands until ctx is cancelled. Commands already queued
// when ctx is cancelled are still executed so dispatched generation results
// are never dropped.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Debug("Session started")
	for {
		select {
		case cmd := <-s.commands:
			s.execute(cmd)
		case <-ctx.Done():
			s.stop()
			s.drain()
			close(s.finished)
			s.logger.Debug("Session stopped")
			return ctx.Err()
		}
	}
}

// Done is closed once the session stops accepting commands.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.gate.Lock()
		s.closed = true
		s.gate.Unlock()
	})
}

// enqueue puts cmd on the queue. A nil error means cmd will be executed,
// either by Run or by its final drain.
func (s *Session) enqueue(ctx context.Context, cmd func(*tree.Tree)) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return ErrStopped
	}
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) drain() {
	for {
		select {
		case cmd := <-s.commands:
			s.execute(cmd)
		default:
			return
		}
	}
}

func (s *Session) execute(cmd func(*tree.Tree)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session command panicked", zap.Any("panic", r))
		}
	}()
	cmd(s.tree)
}

// Do runs fn on the owner goroutine and returns its error. If ctx ends before
// the command is picked up, the command may still run later.
func (s *Session) Do(ctx context.Context, fn func(*tree.Tree) error) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	result := make(chan error, 1)
	cmd := func(t *tree.Tree) {
		defer func() {
			if r := recover(); r != nil {
				result <- pkgerrors.NewInternalError(fmt.Sprintf("command panicked: %v", r))
				panic(r)
			}
		}()
		result <- fn(t)
	}

	if err := s.enqueue(ctx, cmd); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-s.finished:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues fn for the owner goroutine without waiting for it to run.
// It returns false once the session has stopped; it never blocks after that.
// When it returns true, fn is guaranteed to run.
func (s *Session) Dispatch(fn func(*tree.Tree)) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return s.enqueue(context.Background(), fn) == nil
}
