package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

func start(t *testing.T, s *Session) (cancel func(), stopped <-chan struct{}) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(ch)
	}()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func TestDo_SerializesWrites(t *testing.T) {
	tr := tree.New("root")
	s := New(tr, zap.NewNop())
	start(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), func(t *tree.Tree) error {
				_, err := t.CreateChild(t.RootID(), "x")
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, s.Do(context.Background(), func(t *tree.Tree) error {
		count = t.Root().ChildCount()
		return nil
	}))
	assert.Equal(t, 50, count)
}

func TestDo_ReturnsCommandError(t *testing.T) {
	s := New(tree.New("root"), nil)
	start(t, s)

	err := s.Do(context.Background(), func(t *tree.Tree) error {
		return t.Delete(t.RootID(), false)
	})
	assert.True(t, pkgerrors.IsInvalidOperation(err))
}

func TestDo_RecoversPanics(t *testing.T) {
	s := New(tree.New("root"), nil)
	start(t, s)

	err := s.Do(context.Background(), func(*tree.Tree) error { panic("boom") })
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeInternal))

	// The owner keeps serving commands.
	assert.NoError(t, s.Do(context.Background(), func(*tree.Tree) error { return nil }))
}

func TestDispatch_RunsOnOwner(t *testing.T) {
	s := New(tree.New("root"), nil)
	start(t, s)

	done := make(chan struct{})
	require.True(t, s.Dispatch(func(t *tree.Tree) {
		_, _ = t.CreateChild(t.RootID(), "from worker")
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatched command did not run")
	}
}

func TestStop(t *testing.T) {
	s := New(tree.New("root"), nil, WithQueueSize(1))
	cancel, stopped := start(t, s)
	cancel()
	<-stopped

	assert.False(t, s.Dispatch(func(*tree.Tree) {}))
	err := s.Do(context.Background(), func(*tree.Tree) error { return nil })
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestDo_ContextCancelled(t *testing.T) {
	s := New(tree.New("root"), nil, WithQueueSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Without a running owner the command can never be picked up.
	err := s.Do(ctx, func(*tree.Tree) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_AcceptedCommandsRunAcrossShutdown(t *testing.T) {
	for round := 0; round < 200; round++ {
		s := New(tree.New("root"), nil, WithQueueSize(4))
		cancel, stopped := start(t, s)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			ran      int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 16; j++ {
					ok := s.Dispatch(func(*tree.Tree) {
						mu.Lock()
						ran++
						mu.Unlock()
					})
					if ok {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}
			}()
		}
		cancel()
		wg.Wait()
		<-stopped

		mu.Lock()
		require.Equal(t, accepted, ran, "round %d", round)
		mu.Unlock()
	}
}
