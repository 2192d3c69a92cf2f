package pipeloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs l in the background, returning once the loop goroutine has
// executed a task. The returned channel receives the result of Run.
func startLoop(t *testing.T, ctx context.Context, l *Loop) <-chan error {
	t.Helper()
	started := make(chan struct{})
	require.NoError(t, l.Submit(func() { close(started) }))
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not start")
	}
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func TestLoop_runWithoutWork(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	assert.Equal(t, StateAwake, l.State())
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, StateAwake, l.State())
	// may be run again
	require.NoError(t, l.Run(context.Background()))
}

func TestLoop_alreadyRunning(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	p := l.NewPipe()
	done := startLoop(t, context.Background(), l)

	assert.Equal(t, StateRunning, l.State())
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopAlreadyRunning)

	require.NoError(t, l.Submit(func() { _ = p.Close(nil) }))
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateAwake, l.State())
}

func TestLoop_reentrantRun(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	var err error
	require.NoError(t, l.Submit(func() { err = l.Run(context.Background()) }))
	runLoop(t, l)
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_handlesRequireLoopGoroutine(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	p := l.NewPipe()
	done := startLoop(t, context.Background(), l)

	assert.ErrorIs(t, p.Bind(testPipeName), ErrNotLoopThread)
	_, err := p.Connect(context.Background(), testPipeName, nil)
	assert.ErrorIs(t, err, ErrNotLoopThread)
	assert.ErrorIs(t, p.Close(nil), ErrNotLoopThread)

	var bindErr error
	require.NoError(t, l.Submit(func() {
		bindErr = p.Bind(testPipeName)
		_ = p.Close(nil)
	}))
	require.NoError(t, waitRun(t, done))
	assert.NoError(t, bindErr)
	assert.Zero(t, l.Handles())
}

func TestLoop_closeWhileRunning(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	l.NewPipe()
	done := startLoop(t, context.Background(), l)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, waitRun(t, done), ErrLoopTerminated)
	assert.Equal(t, StateTerminated, l.State())

	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, l.Submit(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, l.Close(), ErrLoopTerminated)
}

func TestLoop_closeBeforeRun(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_contextCancelled(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	p := l.NewPipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := startLoop(t, ctx, l)
	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
	assert.Equal(t, StateAwake, l.State())

	// the handle survives, and the loop can be resumed
	assert.Equal(t, 1, l.Handles())
	require.NoError(t, p.Close(nil))
	runLoop(t, l)
	assert.Zero(t, l.Handles())
}

func TestLoop_submitValidation(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	assert.ErrorIs(t, l.Submit(nil), ErrInvalidArgument)
}

func TestLoop_submitOrder(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.Submit(func() { got = append(got, i) }))
	}
	runLoop(t, l)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_callbackPanicIsRecovered(t *testing.T) {
	logger, buf := newTestLogger()
	l, _ := newTestLoop(t, MemoryConfig{}, WithLogger(logger))

	ran := false
	require.NoError(t, l.Submit(func() { panic("boom") }))
	require.NoError(t, l.Submit(func() { ran = true }))
	runLoop(t, l)

	assert.True(t, ran)
	assert.Contains(t, buf.String(), `callback panicked`)
	assert.Contains(t, buf.String(), `boom`)
}

func TestLoop_acceptFailureIsLoggedAndRearmed(t *testing.T) {
	logger, buf := newTestLogger()
	sys := &flakySys{MemorySys: NewMemorySys(MemoryConfig{}), failCreate: 1}
	l, err := New(WithSys(sys), WithLogger(logger), WithAcceptSlots(1))
	require.NoError(t, err)
	defer l.Close()

	server := newTestServer(t, l, func(*Pipe, int) {
		t.Error("unexpected connection")
	})

	var armed int
	require.NoError(t, l.Submit(func() {
		armed = server.ArmedSlots()
		_ = server.Close(nil)
	}))
	runLoop(t, l)

	assert.Equal(t, 1, armed)
	assert.Equal(t, uint64(1), l.Metrics().AcceptFailures)
	assert.Contains(t, buf.String(), `accept slot failed, re-arming`)
	assert.Contains(t, buf.String(), errFlaky.Error())
	assert.Contains(t, buf.String(), `pipe closed`)
}

func TestLoop_lastError(t *testing.T) {
	l, _ := newTestLoop(t, MemoryConfig{})
	assert.NoError(t, l.LastError())
	p := l.NewPipe()
	_, err := p.Connect(context.Background(), testPipeName, nil)
	require.ErrorIs(t, err, ErrPipeNotFound)
	assert.Same(t, err, l.LastError())
	require.NoError(t, p.Close(nil))
	runLoop(t, l)
}

func TestGetGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, getGoroutineID())

	other := make(chan uint64)
	go func() { other <- getGoroutineID() }()
	assert.NotEqual(t, id, <-other)
}
