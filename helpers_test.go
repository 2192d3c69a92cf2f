package pipeloop

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const testPipeName = `\\.\pipe\pipeloop-test`

// newTestLoop returns a loop over a fresh MemorySys, closed on cleanup.
func newTestLoop(t *testing.T, cfg MemoryConfig, opts ...LoopOption) (*Loop, *MemorySys) {
	t.Helper()
	sys := NewMemorySys(cfg)
	l, err := New(append([]LoopOption{WithSys(sys)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, sys
}

// runLoop runs l on the calling goroutine, until every handle is closed.
func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

// newTestServer binds and starts listening on testPipeName.
func newTestServer(t *testing.T, l *Loop, cb ConnectionCallback) *Pipe {
	t.Helper()
	server := l.NewPipe()
	require.NoError(t, server.Bind(testPipeName))
	require.NoError(t, server.Listen(cb))
	return server
}

// acceptOne accepts a pending connection into a new handle.
func acceptOne(t *testing.T, server *Pipe) *Pipe {
	t.Helper()
	client := server.Loop().NewPipe()
	if err := server.Accept(client); err != nil {
		t.Errorf("accept: %v", err)
		_ = client.Close(nil)
		return nil
	}
	return client
}

// fixedAlloc returns an AllocCallback handing out buffers of size n.
func fixedAlloc(n int) AllocCallback {
	return func(*Pipe, int) []byte { return make([]byte, n) }
}

// readEvent is one recorded read callback.
type readEvent struct {
	n    int
	data string
	err  error
}

// newTestLogger returns a JSON logger writing to a buffer, safe to read once
// the loop has stopped.
func newTestLogger() (*logiface.Logger[logiface.Event], *syncBuffer) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(&buf),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(stumpy.L.LevelDebug()),
	).Logger()
	return logger, &buf
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

// flakySys fails CreateInstance a number of times, before delegating.
type flakySys struct {
	*MemorySys
	failCreate int
}

var errFlaky = errors.New("flaky create")

func (x *flakySys) CreateInstance(name string) (File, error) {
	if x.failCreate > 0 {
		x.failCreate--
		return nil, errFlaky
	}
	return x.MemorySys.CreateInstance(name)
}
